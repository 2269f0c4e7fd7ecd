package command

import "errors"

// Error taxonomy shared by every layer of the modem control core.
var (
	// ErrParameter reports an invalid argument, such as a missing payload or
	// a zero-length buffer.
	ErrParameter = errors.New("PARAMETER")
	// ErrTimeout reports a wait that exceeded the caller's budget.
	ErrTimeout = errors.New("TIMEOUT")
	// ErrSubmissionFailed reports that the mailbox could not accept the envelope.
	ErrSubmissionFailed = errors.New("SUBMISSION_FAILED")
	// ErrOperationFailed reports that the device executed the command and
	// rejected it.
	ErrOperationFailed = errors.New("OPERATION_FAILED")
	// ErrBusy reports that the device is temporarily unable to accept work.
	ErrBusy = errors.New("BUSY")
	// ErrClosed reports that the dispatch worker has stopped.
	ErrClosed = errors.New("CLOSED")
)

// Code returns the taxonomy name of err, or "INTERNAL" for anything outside it.
func Code(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrParameter):
		return ErrParameter.Error()
	case errors.Is(err, ErrTimeout):
		return ErrTimeout.Error()
	case errors.Is(err, ErrSubmissionFailed):
		return ErrSubmissionFailed.Error()
	case errors.Is(err, ErrOperationFailed):
		return ErrOperationFailed.Error()
	case errors.Is(err, ErrBusy):
		return ErrBusy.Error()
	case errors.Is(err, ErrClosed):
		return ErrClosed.Error()
	default:
		return "INTERNAL"
	}
}
