package adapter

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Robor-Electronics/lwgsm/internal/command"
)

func TestNormalizeDeviceError(t *testing.T) {
	tests := []struct {
		name     string
		input    error
		family   string
		expected error
	}{
		{"nil", nil, "generic", nil},
		{"operation not allowed", errors.New("+CME ERROR: operation not allowed"), "generic", command.ErrParameter},
		{"text too long", errors.New("+CME ERROR: text string too long"), "generic", command.ErrParameter},
		{"sim busy", errors.New("+CME ERROR: SIM busy"), "generic", command.ErrBusy},
		{"plain busy", errors.New("BUSY"), "generic", command.ErrBusy},
		{"no carrier", errors.New("NO CARRIER"), "generic", command.ErrOperationFailed},
		{"sim missing", errors.New("+CME ERROR: SIM not inserted"), "generic", command.ErrOperationFailed},
		{"pdp auth", errors.New("+CME ERROR: PDP authentication failure"), "generic", command.ErrOperationFailed},
		{"unknown token", errors.New("ERROR"), "generic", command.ErrOperationFailed},
		{"cinterion numeric busy", errors.New("+CME ERROR: 14"), "cinterion", command.ErrBusy},
		{"cinterion other cme", errors.New("+CME ERROR: 148"), "cinterion", command.ErrOperationFailed},
		{"unknown family falls back", errors.New("SIM BUSY"), "quectel", command.ErrBusy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NormalizeDeviceErrorFor(tt.input, nil, tt.family)
			if tt.expected == nil {
				if err != nil {
					t.Fatalf("expected nil, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, err)
			}
			var devErr *DeviceError
			if !errors.As(err, &devErr) {
				t.Fatalf("expected *DeviceError, got %T", err)
			}
			if devErr.Original != tt.input {
				t.Errorf("original not preserved: %v", devErr.Original)
			}
		})
	}
}

func TestNormalizeKeepsTaxonomyErrors(t *testing.T) {
	in := fmt.Errorf("attach: %w", command.ErrTimeout)
	if got := NormalizeDeviceError(in, nil); got != in {
		t.Errorf("taxonomy error was rewrapped: %v", got)
	}
}

func TestNormalizeContextDeadline(t *testing.T) {
	err := NormalizeDeviceError(context.DeadlineExceeded, "attach")
	if !errors.Is(err, command.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	var devErr *DeviceError
	if errors.As(err, &devErr) && devErr.Details != "attach" {
		t.Errorf("details = %v", devErr.Details)
	}
}

func TestDeviceErrorMessage(t *testing.T) {
	err := &DeviceError{Code: command.ErrBusy, Original: errors.New("SIM BUSY")}
	if err.Error() != "BUSY (device: SIM BUSY)" {
		t.Errorf("Error() = %q", err.Error())
	}
}
