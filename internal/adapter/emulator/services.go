package emulator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Robor-Electronics/lwgsm/internal/command"
)

// services executes the network side of service calls.
type services struct {
	connectTimeout time.Duration
	httpClient     *http.Client

	mu      sync.Mutex
	clients map[string]mqtt.Client // by broker URL and client id
}

func newServices(connectTimeout time.Duration) *services {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	return &services{
		connectTimeout: connectTimeout,
		httpClient:     &http.Client{},
		clients:        make(map[string]mqtt.Client),
	}
}

// brokerURL adds the tcp scheme when address is a bare host:port.
func brokerURL(address string) string {
	if strings.Contains(address, "://") {
		return address
	}
	return "tcp://" + address
}

func (s *services) client(ctx context.Context, call command.ServiceCall) (mqtt.Client, error) {
	broker := brokerURL(call.Address)
	clientID := call.MQTT.ClientID
	if clientID == "" {
		clientID = "lwgsm-" + uuid.NewString()[:8]
	}
	key := broker + "|" + clientID

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[key]; ok && c.IsConnectionOpen() {
		return c, nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	if call.MQTT.User != "" {
		opts.SetUsername(call.MQTT.User)
	}
	opts.SetConnectTimeout(s.connectTimeout)
	opts.SetAutoReconnect(false)

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		log.WithFields(logrus.Fields{"broker": broker, "error": err}).Warn("mqtt connection lost")
	}

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !waitToken(ctx, token, s.connectTimeout) {
		return nil, fmt.Errorf("CONNECTION FAILED: mqtt connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("CONNECTION FAILED: mqtt connect to %s: %w", broker, err)
	}
	log.WithFields(logrus.Fields{"broker": broker, "client_id": clientID}).Info("mqtt connection established")

	s.clients[key] = c
	return c, nil
}

func (s *services) publish(ctx context.Context, call command.ServiceCall) error {
	c, err := s.client(ctx, call)
	if err != nil {
		return err
	}

	token := c.Publish(call.MQTT.Topic, 1, false, call.Data)
	if !waitToken(ctx, token, s.connectTimeout) {
		return fmt.Errorf("NETWORK TIMEOUT: publish to %s", call.MQTT.Topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("CONNECTION FAILED: publish to %s: %w", call.MQTT.Topic, err)
	}

	log.WithFields(logrus.Fields{
		"topic": call.MQTT.Topic,
		"size":  len(call.Data),
	}).Debug("mqtt message published")
	return nil
}

// waitToken waits for token within d or until ctx is done.
func waitToken(ctx context.Context, token mqtt.Token, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-token.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *services) post(ctx context.Context, call command.ServiceCall) error {
	contentType := command.ContentTypeJSON
	if call.HTTP != nil && call.HTTP.ContentType != "" {
		contentType = call.HTTP.ContentType
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, call.Address, bytes.NewReader(call.Data))
	if err != nil {
		return fmt.Errorf("INVALID_PARAMETER: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("CONNECTION FAILED: post to %s: %w", call.Address, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("BUSY: post to %s: HTTP %d", call.Address, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("HTTP ERROR %d: post to %s", resp.StatusCode, call.Address)
	}
	return nil
}

func (s *services) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.clients {
		if c.IsConnected() {
			c.Disconnect(250)
		}
		delete(s.clients, key)
	}
}
