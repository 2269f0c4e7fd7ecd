package adapter

import (
	"context"

	"github.com/Robor-Electronics/lwgsm/internal/command"
)

// Modem is the southbound contract implemented by device drivers, the
// emulator and test fakes. Calls are made from the worker thread only, one at
// a time.
type Modem interface {
	// Attach brings up the packet data bearer with the given credentials.
	Attach(ctx context.Context, apn, user, pass string) error

	// Detach tears down the packet data bearer.
	Detach(ctx context.Context) error

	// DisableAutoAttach stops the device from attaching on its own.
	DisableAutoAttach(ctx context.Context) error

	// SetPDPContext configures the access point name of the default context.
	SetPDPContext(ctx context.Context, apn string) error

	// SetOperator changes the operator selection mode.
	SetOperator(ctx context.Context, op command.OperatorPayload) error

	// PublishMQTT publishes call.Data to call.MQTT.Topic on the broker at call.Address.
	PublishMQTT(ctx context.Context, call command.ServiceCall) error

	// PostHTTP posts call.Data to call.Address.
	PostHTTP(ctx context.Context, call command.ServiceCall) error

	// SubscriberID returns the international mobile subscriber identity.
	SubscriberID(ctx context.Context) (string, error)

	// CloseCall hangs up an active voice or data call.
	CloseCall(ctx context.Context) error

	// Shutdown powers the device down.
	Shutdown(ctx context.Context) error

	// NetworkAttached reports whether the bearer is currently up, regardless
	// of who brought it up.
	NetworkAttached(ctx context.Context) (bool, error)
}

// Status is a point-in-time view of the device for diagnostics.
type Status struct {
	Attached bool   `json:"attached"`
	APN      string `json:"apn,omitempty"`
	Operator string `json:"operator"`
	Mode     string `json:"mode"`
}

// StatusReporter is implemented by modems that can describe themselves.
type StatusReporter interface {
	Status(ctx context.Context) (*Status, error)
}
