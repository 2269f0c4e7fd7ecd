package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Robor-Electronics/lwgsm/internal/command"
)

// TokenMap lists the device response tokens that map to each error class.
type TokenMap struct {
	Parameter []string // Tokens that map to PARAMETER
	Busy      []string // Tokens that map to BUSY
	Failed    []string // Tokens that map to OPERATION_FAILED
}

// DeviceErrorMappings holds the token tables per device family. Matching is
// case-insensitive substring matching in table order: Parameter, Busy,
// Failed. Unknown responses map to OPERATION_FAILED because the device did
// execute the command.
//
// To add a device family, add an entry here and a test per token. Unknown
// families fall back to "generic".
var DeviceErrorMappings = map[string]TokenMap{
	"generic": {
		Parameter: []string{
			"OPERATION NOT ALLOWED",
			"OPERATION NOT SUPPORTED",
			"INCORRECT PARAMETERS",
			"INVALID CHARACTERS",
			"TEXT STRING TOO LONG",
			"INVALID INDEX",
			"INVALID_PARAMETER",
		},
		Busy: []string{
			"SIM BUSY",
			"BUSY",
			"NETWORK TIMEOUT",
			"RETRY",
			"RATE_LIMIT",
		},
		Failed: []string{
			"NO CARRIER",
			"NO ANSWER",
			"SIM NOT INSERTED",
			"SIM PIN REQUIRED",
			"SIM FAILURE",
			"NO NETWORK SERVICE",
			"NOT ATTACHED",
			"GPRS SERVICES NOT ALLOWED",
			"PDP AUTHENTICATION FAILURE",
			"CONNECTION FAILED",
			"OFFLINE",
		},
	},
	"cinterion": {
		Parameter: []string{
			"OPERATION NOT ALLOWED",
			"INCORRECT PARAMETERS",
			"INVALID INDEX",
		},
		Busy: []string{
			"SIM BUSY",
			"BUSY",
			"+CME ERROR: 14",
		},
		Failed: []string{
			"NO CARRIER",
			"SIM NOT INSERTED",
			"NO NETWORK SERVICE",
			"SERVICE OPTION NOT SUBSCRIBED",
			"UNSPECIFIED GPRS ERROR",
			"+CME ERROR",
		},
	},
}

// DeviceError wraps a device failure with its normalized code.
type DeviceError struct {
	Code     error // Normalized taxonomy error
	Original error // Device error
	Details  any   // Device payload (opaque)
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%v (device: %v)", e.Code, e.Original)
}

func (e *DeviceError) Unwrap() error {
	return e.Code
}

// NormalizeDeviceError maps a device error using the generic tables.
func NormalizeDeviceError(deviceErr error, payload any) error {
	return NormalizeDeviceErrorFor(deviceErr, payload, "generic")
}

// NormalizeDeviceErrorFor maps a device error using the tables of family.
//
// Errors already in the command taxonomy pass through unchanged. A per
// command context expiry maps to TIMEOUT.
func NormalizeDeviceErrorFor(deviceErr error, payload any, family string) error {
	if deviceErr == nil {
		return nil
	}
	if isTaxonomy(deviceErr) {
		return deviceErr
	}
	if errors.Is(deviceErr, context.DeadlineExceeded) {
		return &DeviceError{Code: command.ErrTimeout, Original: deviceErr, Details: payload}
	}

	return &DeviceError{
		Code:     mapDeviceErrorToCode(deviceErr.Error(), family),
		Original: deviceErr,
		Details:  payload,
	}
}

func isTaxonomy(err error) bool {
	for _, target := range []error{
		command.ErrParameter,
		command.ErrTimeout,
		command.ErrSubmissionFailed,
		command.ErrOperationFailed,
		command.ErrBusy,
		command.ErrClosed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func mapDeviceErrorToCode(msg string, family string) error {
	tokens, ok := DeviceErrorMappings[family]
	if !ok {
		tokens = DeviceErrorMappings["generic"]
	}

	upper := strings.ToUpper(msg)

	for _, token := range tokens.Parameter {
		if strings.Contains(upper, strings.ToUpper(token)) {
			return command.ErrParameter
		}
	}
	for _, token := range tokens.Busy {
		if strings.Contains(upper, strings.ToUpper(token)) {
			return command.ErrBusy
		}
	}
	for _, token := range tokens.Failed {
		if strings.Contains(upper, strings.ToUpper(token)) {
			return command.ErrOperationFailed
		}
	}

	return command.ErrOperationFailed
}
