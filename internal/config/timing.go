package config

import (
	"time"

	"github.com/Robor-Electronics/lwgsm/internal/command"
)

// TimingConfig holds the per-command-class budgets in milliseconds. Each
// budget bounds both the caller's wait and the worker's device call.
type TimingConfig struct {
	AttachMs            int `yaml:"attachMs"`
	DetachMs            int `yaml:"detachMs"`
	DisableAutoAttachMs int `yaml:"disableAutoAttachMs"`
	SetContextMs        int `yaml:"setContextMs"`
	OperatorSetMs       int `yaml:"operatorSetMs"`
	MQTTPublishMs       int `yaml:"mqttPublishMs"`
	HTTPPostMs          int `yaml:"httpPostMs"`
	SubscriberIDMs      int `yaml:"subscriberIdMs"`
	CallCloseMs         int `yaml:"callCloseMs"`
	ShutdownMs          int `yaml:"shutdownMs"`
}

// DefaultTiming returns the budgets the modem firmware documents for each
// command class.
func DefaultTiming() TimingConfig {
	return TimingConfig{
		AttachMs:            200000,
		DetachMs:            60000,
		DisableAutoAttachMs: 2000,
		SetContextMs:        2000,
		OperatorSetMs:       120000,
		MQTTPublishMs:       30000,
		HTTPPostMs:          30000,
		SubscriberIDMs:      10000,
		CallCloseMs:         2000,
		ShutdownMs:          2000,
	}
}

// For returns the budget of the command class of tag. Unknown tags get the
// shortest class.
func (t TimingConfig) For(tag command.Tag) time.Duration {
	switch tag {
	case command.TagAttach:
		return ms(t.AttachMs)
	case command.TagDetach:
		return ms(t.DetachMs)
	case command.TagDisableAutoAttach:
		return ms(t.DisableAutoAttachMs)
	case command.TagSetContext:
		return ms(t.SetContextMs)
	case command.TagOperatorSet:
		return ms(t.OperatorSetMs)
	case command.TagMQTTPublish:
		return ms(t.MQTTPublishMs)
	case command.TagHTTPPost:
		return ms(t.HTTPPostMs)
	case command.TagSubscriberID:
		return ms(t.SubscriberIDMs)
	case command.TagCallClose:
		return ms(t.CallCloseMs)
	case command.TagShutdown:
		return ms(t.ShutdownMs)
	case command.TagNetworkAttached:
		// Status query, answered from device state.
		return ms(t.CallCloseMs)
	default:
		return ms(t.CallCloseMs)
	}
}

// fields lists the budgets by name for validation.
func (t TimingConfig) fields() map[string]int {
	return map[string]int{
		"attachMs":            t.AttachMs,
		"detachMs":            t.DetachMs,
		"disableAutoAttachMs": t.DisableAutoAttachMs,
		"setContextMs":        t.SetContextMs,
		"operatorSetMs":       t.OperatorSetMs,
		"mqttPublishMs":       t.MQTTPublishMs,
		"httpPostMs":          t.HTTPPostMs,
		"subscriberIdMs":      t.SubscriberIDMs,
		"callCloseMs":         t.CallCloseMs,
		"shutdownMs":          t.ShutdownMs,
	}
}
