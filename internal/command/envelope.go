package command

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Robor-Electronics/lwgsm/internal/sys"
)

// Tag discriminates the command carried by an Envelope.
type Tag int

const (
	TagUnknown Tag = iota
	TagAttach
	TagDetach
	TagDisableAutoAttach
	TagSetContext
	TagOperatorSet
	TagMQTTPublish
	TagHTTPPost
	TagSubscriberID
	TagCallClose
	TagShutdown
	TagNetworkAttached
)

var tagNames = map[Tag]string{
	TagUnknown:           "unknown",
	TagAttach:            "attach",
	TagDetach:            "detach",
	TagDisableAutoAttach: "disableAutoAttach",
	TagSetContext:        "setContext",
	TagOperatorSet:       "operatorSet",
	TagMQTTPublish:       "mqttPublish",
	TagHTTPPost:          "httpPost",
	TagSubscriberID:      "subscriberId",
	TagCallClose:         "callClose",
	TagShutdown:          "shutdown",
	TagNetworkAttached:   "networkAttached",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tag(%d)", int(t))
}

// Payload is the tag-specific body of an Envelope.
type Payload interface {
	Validate() error
}

// EmptyPayload is carried by commands without arguments.
type EmptyPayload struct{}

func (EmptyPayload) Validate() error { return nil }

// AttachPayload carries the bearer credentials for a physical attach.
type AttachPayload struct {
	APN  string
	User string
	Pass string
}

func (p AttachPayload) Validate() error { return nil }

// ContextPayload configures the PDP context access point name.
type ContextPayload struct {
	APN string
}

func (p ContextPayload) Validate() error {
	if p.APN == "" {
		return fmt.Errorf("context payload: empty APN: %w", ErrParameter)
	}
	return nil
}

// OperatorMode selects how the device chooses its network operator.
type OperatorMode int

const (
	OperatorAuto OperatorMode = iota
	OperatorManual
	OperatorDeregister
	OperatorManualAuto
)

func (m OperatorMode) String() string {
	switch m {
	case OperatorAuto:
		return "auto"
	case OperatorManual:
		return "manual"
	case OperatorDeregister:
		return "deregister"
	case OperatorManualAuto:
		return "manualAuto"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// OperatorFormat selects how an operator is identified in a manual selection.
type OperatorFormat int

const (
	OperatorFormatLongName OperatorFormat = iota
	OperatorFormatShortName
	OperatorFormatNumber
)

// OperatorPayload drives an operator selection command.
type OperatorPayload struct {
	Mode   OperatorMode
	Format OperatorFormat
	Name   string
	Num    uint32
}

func (p OperatorPayload) Validate() error {
	if p.Mode < OperatorAuto || p.Mode > OperatorManualAuto {
		return fmt.Errorf("operator payload: mode %d: %w", p.Mode, ErrParameter)
	}
	if p.Mode == OperatorManual || p.Mode == OperatorManualAuto {
		if p.Format == OperatorFormatNumber && p.Num == 0 {
			return fmt.Errorf("operator payload: missing operator number: %w", ErrParameter)
		}
		if p.Format != OperatorFormatNumber && p.Name == "" {
			return fmt.Errorf("operator payload: missing operator name: %w", ErrParameter)
		}
	}
	return nil
}

// MQTTParams are the MQTT-specific fields of a ServiceCall.
type MQTTParams struct {
	User     string
	Topic    string
	ClientID string
}

// HTTPParams are the HTTP-specific fields of a ServiceCall.
type HTTPParams struct {
	ContentType string
}

// ContentTypeJSON is the only content type HTTP service calls use.
const ContentTypeJSON = "application/json"

// ServiceCall is a generic service invocation executed by the device.
type ServiceCall struct {
	Address string
	Data    []byte
	MQTT    *MQTTParams
	HTTP    *HTTPParams
}

func (p ServiceCall) Validate() error {
	if p.Address == "" {
		return fmt.Errorf("service call: empty address: %w", ErrParameter)
	}
	if len(p.Data) == 0 {
		return fmt.Errorf("service call: empty data: %w", ErrParameter)
	}
	if p.MQTT == nil && p.HTTP == nil {
		return fmt.Errorf("service call: no protocol parameters: %w", ErrParameter)
	}
	if p.MQTT != nil && p.MQTT.Topic == "" {
		return fmt.Errorf("service call: empty MQTT topic: %w", ErrParameter)
	}
	return nil
}

// DeviceInfoPayload requests an identifier string of at most MaxLen bytes.
type DeviceInfoPayload struct {
	MaxLen int
}

func (p DeviceInfoPayload) Validate() error {
	if p.MaxLen <= 0 {
		return fmt.Errorf("device info: buffer length %d: %w", p.MaxLen, ErrParameter)
	}
	return nil
}

// Callback receives a completed non-blocking envelope on the process thread.
// The envelope is only valid until the callback returns.
type Callback func(env *Envelope)

// Envelope lifecycle states.
const (
	stateIdle int32 = iota
	statePending
	stateDone
	stateAbandoned
)

// Envelope describes one device command and how its completion is reported.
type Envelope struct {
	ID        string
	Tag       Tag
	Payload   Payload
	Blocking  bool
	Callback  Callback
	Initiator Initiator

	state     atomic.Int32
	sem       *sys.Semaphore
	pool      *Pool
	result    error
	reply     any
	submitted time.Time
	elapsed   time.Duration
}

// NewEnvelope returns a blocking envelope for tag.
func NewEnvelope(tag Tag, payload Payload) *Envelope {
	return &Envelope{
		ID:       uuid.NewString(),
		Tag:      tag,
		Payload:  payload,
		Blocking: true,
	}
}

// Result returns the worker's result. It is meaningful only after completion.
func (e *Envelope) Result() error { return e.result }

// Reply returns the command output written by the initiator, if any.
func (e *Envelope) Reply() any { return e.reply }

// SetReply stores the command output. Initiators call it before returning.
func (e *Envelope) SetReply(v any) { e.reply = v }

// Elapsed returns the time from submission to completion.
func (e *Envelope) Elapsed() time.Duration { return e.elapsed }

// Submitted returns the time the envelope entered the mailbox.
func (e *Envelope) Submitted() time.Time { return e.submitted }

// Abandoned reports whether the blocking waiter gave up on this envelope.
func (e *Envelope) Abandoned() bool { return e.state.Load() == stateAbandoned }

func (e *Envelope) validate() error {
	if e.Tag == TagUnknown {
		return fmt.Errorf("envelope %s: missing command tag: %w", e.ID, ErrParameter)
	}
	if e.Payload == nil {
		return fmt.Errorf("envelope %s (%s): missing payload: %w", e.ID, e.Tag, ErrParameter)
	}
	if err := e.Payload.Validate(); err != nil {
		return err
	}
	if !e.Blocking && e.Callback == nil && e.pool == nil {
		return fmt.Errorf("envelope %s (%s): non-blocking envelope without pool: %w", e.ID, e.Tag, ErrParameter)
	}
	return nil
}

// abandon marks a pending envelope as given up by its waiter. It reports
// false when the worker already completed it.
func (e *Envelope) abandon() bool {
	return e.state.CompareAndSwap(statePending, stateAbandoned)
}

func (e *Envelope) reset() {
	e.ID = ""
	e.Tag = TagUnknown
	e.Payload = nil
	e.Callback = nil
	e.Initiator = nil
	e.sem = nil
	e.result = nil
	e.reply = nil
	e.submitted = time.Time{}
	e.elapsed = 0
	e.state.Store(stateIdle)
}
