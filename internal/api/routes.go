package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Robor-Electronics/lwgsm/internal/audit"
	"github.com/Robor-Electronics/lwgsm/internal/auth"
	"github.com/Robor-Electronics/lwgsm/internal/network"
	"github.com/Robor-Electronics/lwgsm/internal/service"
)

const (
	apiV1 = "/api/v1"

	maxBodyBytes = 64 << 10

	// defaultIMSILength fits a full 15 digit IMSI.
	defaultIMSILength = 15
)

// RegisterRoutes registers every endpoint on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	read := s.guard(auth.ScopeRead)
	control := s.guard(auth.ScopeControl)

	mux.HandleFunc("GET "+apiV1+"/health", s.handleHealth)

	mux.HandleFunc("GET "+apiV1+"/network", read(s.handleNetworkStatus))
	mux.HandleFunc("PUT "+apiV1+"/network/credentials", control(s.handleSetCredentials))
	mux.HandleFunc("POST "+apiV1+"/network/attach", control(s.handleAttach))
	mux.HandleFunc("POST "+apiV1+"/network/detach", control(s.handleDetach))
	mux.HandleFunc("POST "+apiV1+"/network/reset-operator", control(s.handleResetOperator))

	mux.HandleFunc("POST "+apiV1+"/services/mqtt", control(s.handlePublishMQTT))
	mux.HandleFunc("POST "+apiV1+"/services/http", control(s.handlePostHTTP))

	mux.HandleFunc("GET "+apiV1+"/device/imsi", read(s.handleSubscriberID))
	mux.HandleFunc("POST "+apiV1+"/device/call/cancel", control(s.handleCancelCall))
	mux.HandleFunc("POST "+apiV1+"/device/shutdown", control(s.handleShutdown))

	mux.HandleFunc("GET "+apiV1+"/telemetry", s.guard(auth.ScopeTelemetry)(s.handleTelemetry))

	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}
}

func (s *Server) guard(scope string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return s.deps.Auth.RequireAuth(s.deps.Auth.RequireScope(scope)(next))
	}
}

// requestContext carries the token subject into the audit trail.
func requestContext(r *http.Request) context.Context {
	ctx := r.Context()
	if claims := auth.ClaimsFrom(ctx); claims != nil {
		ctx = audit.WithUser(ctx, claims.Subject)
	}
	return ctx
}

// decodeJSON strictly decodes one JSON object from the body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed JSON or unknown fields: %w", ErrBadRequest)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("trailing data after JSON object: %w", ErrBadRequest)
	}
	return nil
}

func unavailable(w http.ResponseWriter, what string) {
	WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", what+" not available", nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "ok",
		"uptimeSec": time.Since(s.startTime).Seconds(),
		"version":   Version,
	}
	if s.deps.Network != nil {
		health["network"] = s.deps.Network.Status().State
	}
	if s.deps.Network == nil || s.deps.Services == nil {
		health["status"] = "degraded"
		WriteError(w, http.StatusServiceUnavailable, "SERVICE_DEGRADED",
			"One or more subsystems are unavailable", health)
		return
	}
	WriteSuccess(w, health)
}

func (s *Server) handleNetworkStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Network == nil {
		unavailable(w, "Network coordinator")
		return
	}
	WriteSuccess(w, s.deps.Network.Status())
}

func (s *Server) handleSetCredentials(w http.ResponseWriter, r *http.Request) {
	if s.deps.Network == nil {
		unavailable(w, "Network coordinator")
		return
	}
	var req network.Credentials
	if err := decodeJSON(w, r, &req); err != nil {
		WriteAPIError(w, err)
		return
	}
	if req.APN == "" {
		WriteAPIError(w, fmt.Errorf("apn is required: %w", ErrBadRequest))
		return
	}
	s.deps.Network.SetCredentials(req)
	WriteSuccess(w, s.deps.Network.Status())
}

func (s *Server) networkAction(w http.ResponseWriter, r *http.Request, action func(context.Context) error) {
	if err := action(requestContext(r)); err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, s.deps.Network.Status())
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	if s.deps.Network == nil {
		unavailable(w, "Network coordinator")
		return
	}
	s.networkAction(w, r, s.deps.Network.RequestAttach)
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	if s.deps.Network == nil {
		unavailable(w, "Network coordinator")
		return
	}
	s.networkAction(w, r, s.deps.Network.RequestDetach)
}

func (s *Server) handleResetOperator(w http.ResponseWriter, r *http.Request) {
	if s.deps.Network == nil {
		unavailable(w, "Network coordinator")
		return
	}
	s.networkAction(w, r, s.deps.Network.ResetOperator)
}

type mqttRequest struct {
	Address  string          `json:"address"`
	User     string          `json:"user"`
	Topic    string          `json:"topic"`
	ClientID string          `json:"clientId"`
	Data     json.RawMessage `json:"data"`
}

func (s *Server) handlePublishMQTT(w http.ResponseWriter, r *http.Request) {
	if s.deps.Services == nil {
		unavailable(w, "Device services")
		return
	}
	var req mqttRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteAPIError(w, err)
		return
	}
	err := s.deps.Services.PublishMQTT(requestContext(r), service.MQTTMessage{
		Address:  req.Address,
		User:     req.User,
		Topic:    req.Topic,
		ClientID: req.ClientID,
		Data:     req.Data,
	})
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]any{"topic": req.Topic, "bytes": len(req.Data)})
}

type httpRequest struct {
	Address string          `json:"address"`
	Data    json.RawMessage `json:"data"`
}

func (s *Server) handlePostHTTP(w http.ResponseWriter, r *http.Request) {
	if s.deps.Services == nil {
		unavailable(w, "Device services")
		return
	}
	var req httpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteAPIError(w, err)
		return
	}
	if err := s.deps.Services.PostHTTP(requestContext(r), req.Address, req.Data); err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]any{"address": req.Address, "bytes": len(req.Data)})
}

func (s *Server) handleSubscriberID(w http.ResponseWriter, r *http.Request) {
	if s.deps.Services == nil {
		unavailable(w, "Device services")
		return
	}
	maxLen := defaultIMSILength
	if v := r.URL.Query().Get("maxLen"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			WriteAPIError(w, fmt.Errorf("maxLen %q: %w", v, ErrBadRequest))
			return
		}
		maxLen = n
	}
	imsi, err := s.deps.Services.RequestSubscriberID(requestContext(r), maxLen)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]string{"imsi": imsi})
}

func (s *Server) handleCancelCall(w http.ResponseWriter, r *http.Request) {
	if s.deps.Services == nil {
		unavailable(w, "Device services")
		return
	}
	if err := s.deps.Services.CancelCall(requestContext(r)); err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]string{"call": "closed"})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if s.deps.Services == nil {
		unavailable(w, "Device services")
		return
	}
	if err := s.deps.Services.Shutdown(requestContext(r)); err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]string{"device": "off"})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.deps.Telemetry == nil {
		unavailable(w, "Telemetry service")
		return
	}
	// The stream outlives the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	if err := s.deps.Telemetry.Subscribe(r.Context(), w, r); err != nil {
		log.WithError(err).Debug("telemetry stream ended")
	}
}
