package adapter

import (
	"context"
	"fmt"

	"github.com/Robor-Electronics/lwgsm/internal/command"
)

// Executor runs envelopes against a Modem. It implements command.Initiator.
type Executor struct {
	modem  Modem
	family string
}

var _ command.Initiator = (*Executor)(nil)

// NewExecutor creates an executor that normalizes failures with the tables of
// family ("generic" when empty).
func NewExecutor(modem Modem, family string) *Executor {
	if family == "" {
		family = "generic"
	}
	return &Executor{modem: modem, family: family}
}

// Modem returns the underlying device.
func (e *Executor) Modem() Modem {
	return e.modem
}

// Initiate executes env and stores any command output with env.SetReply.
func (e *Executor) Initiate(ctx context.Context, env *command.Envelope) error {
	if e.modem == nil {
		return fmt.Errorf("%s: no modem: %w", env.Tag, command.ErrClosed)
	}
	err := e.initiate(ctx, env)
	return NormalizeDeviceErrorFor(err, env.Tag.String(), e.family)
}

func (e *Executor) initiate(ctx context.Context, env *command.Envelope) error {
	switch env.Tag {
	case command.TagAttach:
		p, ok := env.Payload.(command.AttachPayload)
		if !ok {
			return payloadErr(env)
		}
		return e.modem.Attach(ctx, p.APN, p.User, p.Pass)

	case command.TagDetach:
		return e.modem.Detach(ctx)

	case command.TagDisableAutoAttach:
		return e.modem.DisableAutoAttach(ctx)

	case command.TagSetContext:
		p, ok := env.Payload.(command.ContextPayload)
		if !ok {
			return payloadErr(env)
		}
		return e.modem.SetPDPContext(ctx, p.APN)

	case command.TagOperatorSet:
		p, ok := env.Payload.(command.OperatorPayload)
		if !ok {
			return payloadErr(env)
		}
		return e.modem.SetOperator(ctx, p)

	case command.TagMQTTPublish:
		p, ok := env.Payload.(command.ServiceCall)
		if !ok || p.MQTT == nil {
			return payloadErr(env)
		}
		return e.modem.PublishMQTT(ctx, p)

	case command.TagHTTPPost:
		p, ok := env.Payload.(command.ServiceCall)
		if !ok || p.HTTP == nil {
			return payloadErr(env)
		}
		return e.modem.PostHTTP(ctx, p)

	case command.TagSubscriberID:
		p, ok := env.Payload.(command.DeviceInfoPayload)
		if !ok {
			return payloadErr(env)
		}
		id, err := e.modem.SubscriberID(ctx)
		if err != nil {
			return err
		}
		if len(id) > p.MaxLen {
			id = id[:p.MaxLen]
		}
		env.SetReply(id)
		return nil

	case command.TagCallClose:
		return e.modem.CloseCall(ctx)

	case command.TagShutdown:
		return e.modem.Shutdown(ctx)

	case command.TagNetworkAttached:
		up, err := e.modem.NetworkAttached(ctx)
		if err != nil {
			return err
		}
		env.SetReply(up)
		return nil

	default:
		return fmt.Errorf("unsupported command %s: %w", env.Tag, command.ErrParameter)
	}
}

func payloadErr(env *command.Envelope) error {
	return fmt.Errorf("%s: unexpected payload %T: %w", env.Tag, env.Payload, command.ErrParameter)
}
