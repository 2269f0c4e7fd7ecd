package api

import (
	"context"
	"net/http"

	"github.com/Robor-Electronics/lwgsm/internal/network"
	"github.com/Robor-Electronics/lwgsm/internal/service"
	"github.com/Robor-Electronics/lwgsm/internal/telemetry"
)

// NetworkPort is what the API needs from the attach coordinator.
type NetworkPort interface {
	Status() network.Status
	SetCredentials(creds network.Credentials)
	RequestAttach(ctx context.Context) error
	RequestDetach(ctx context.Context) error
	ResetOperator(ctx context.Context) error
}

// ServicePort is what the API needs from the service builders.
type ServicePort interface {
	PublishMQTT(ctx context.Context, msg service.MQTTMessage) error
	PostHTTP(ctx context.Context, address string, data []byte) error
	RequestSubscriberID(ctx context.Context, maxLen int) (string, error)
	CancelCall(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// TelemetryPort streams telemetry to one client.
type TelemetryPort interface {
	Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error
}

var (
	_ NetworkPort   = (*network.Coordinator)(nil)
	_ ServicePort   = (*service.Services)(nil)
	_ TelemetryPort = (*telemetry.Hub)(nil)
)
