package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Robor-Electronics/lwgsm/internal/command"
	"github.com/Robor-Electronics/lwgsm/internal/sys"
)

// Submitter delivers envelopes to the dispatch worker.
type Submitter interface {
	Submit(ctx context.Context, env *command.Envelope, timeout sys.Timeout) error
	SubmitAsync(tag command.Tag, payload command.Payload, cb command.Callback) error
}

// MQTTMessage is one publish executed by the modem's MQTT client.
type MQTTMessage struct {
	Address  string `json:"address"`
	User     string `json:"user,omitempty"`
	Topic    string `json:"topic"`
	ClientID string `json:"clientId,omitempty"`
	Data     []byte `json:"data"`
}

// SubscriberIDFunc receives the result of an asynchronous identity lookup.
type SubscriberIDFunc func(id string, err error)

// Services issues service requests. Each request waits at most the timeout
// of its command class.
type Services struct {
	sub      Submitter
	timeouts func(command.Tag) time.Duration
}

// New creates the service builders. timeouts may be nil, in which case
// every request waits without bound.
func New(sub Submitter, timeouts func(command.Tag) time.Duration) *Services {
	return &Services{sub: sub, timeouts: timeouts}
}

// PublishMQTT publishes msg.Data on msg.Topic at the broker msg.Address.
func (s *Services) PublishMQTT(ctx context.Context, msg MQTTMessage) error {
	return s.submit(ctx, command.TagMQTTPublish, command.ServiceCall{
		Address: msg.Address,
		Data:    msg.Data,
		MQTT: &command.MQTTParams{
			User:     msg.User,
			Topic:    msg.Topic,
			ClientID: msg.ClientID,
		},
	})
}

// PostHTTP posts data as JSON to address.
func (s *Services) PostHTTP(ctx context.Context, address string, data []byte) error {
	return s.submit(ctx, command.TagHTTPPost, command.ServiceCall{
		Address: address,
		Data:    data,
		HTTP:    &command.HTTPParams{ContentType: command.ContentTypeJSON},
	})
}

// RequestSubscriberID returns the IMSI cut to at most maxLen bytes.
func (s *Services) RequestSubscriberID(ctx context.Context, maxLen int) (string, error) {
	env := command.NewEnvelope(command.TagSubscriberID, command.DeviceInfoPayload{MaxLen: maxLen})
	if err := s.sub.Submit(ctx, env, s.timeout(env.Tag)); err != nil {
		return "", err
	}
	id, ok := env.Reply().(string)
	if !ok {
		return "", fmt.Errorf("subscriber id: unexpected reply %T: %w", env.Reply(), command.ErrOperationFailed)
	}
	return id, nil
}

// RequestSubscriberIDAsync looks up the IMSI without waiting. cb runs on the
// process thread. An error is returned only when the request could not be
// queued, in which case cb never runs.
func (s *Services) RequestSubscriberIDAsync(maxLen int, cb SubscriberIDFunc) error {
	if cb == nil {
		return fmt.Errorf("subscriber id: nil callback: %w", command.ErrParameter)
	}
	return s.sub.SubmitAsync(command.TagSubscriberID, command.DeviceInfoPayload{MaxLen: maxLen},
		func(env *command.Envelope) {
			if err := env.Result(); err != nil {
				cb("", err)
				return
			}
			id, _ := env.Reply().(string)
			cb(id, nil)
		})
}

// CancelCall hangs up an active voice or data call.
func (s *Services) CancelCall(ctx context.Context) error {
	return s.submit(ctx, command.TagCallClose, command.EmptyPayload{})
}

// Shutdown powers the modem down.
func (s *Services) Shutdown(ctx context.Context) error {
	return s.submit(ctx, command.TagShutdown, command.EmptyPayload{})
}

func (s *Services) submit(ctx context.Context, tag command.Tag, payload command.Payload) error {
	return s.sub.Submit(ctx, command.NewEnvelope(tag, payload), s.timeout(tag))
}

func (s *Services) timeout(tag command.Tag) sys.Timeout {
	if s.timeouts == nil {
		return sys.Forever
	}
	if d := s.timeouts(tag); d > 0 {
		return sys.Within(d)
	}
	return sys.Forever
}
