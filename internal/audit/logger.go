package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Robor-Electronics/lwgsm/internal/command"
	"github.com/Robor-Electronics/lwgsm/internal/config"
)

// FileName is the name of the active audit file inside the audit directory.
const FileName = "audit.jsonl"

// Entry is one audit record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	ID        string    `json:"id,omitempty"`
	User      string    `json:"user,omitempty"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	Code      string    `json:"code"`
	LatencyMs int64     `json:"latencyMs"`
	Abandoned bool      `json:"abandoned,omitempty"`
}

// Logger appends entries to a rotating JSONL file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	rotator  *lumberjack.Logger
	out      io.Writer
}

type userKey struct{}

// WithUser returns a context carrying the acting user for LogAction.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

func userFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if u, ok := ctx.Value(userKey{}).(string); ok {
		return u
	}
	return ""
}

// NewLogger creates the audit directory and opens the rotating writer.
func NewLogger(cfg config.AuditConfig) (*Logger, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	filePath := filepath.Join(cfg.Dir, FileName)
	rotator := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	return &Logger{
		filePath: filePath,
		rotator:  rotator,
		out:      rotator,
	}, nil
}

// LogCommand records one command executed by the worker. The caller passes
// the envelope fields by value since a completed envelope may already be
// reused by its submitter.
func (l *Logger) LogCommand(id string, tag command.Tag, result error, latency time.Duration, abandoned bool) {
	if l == nil {
		return
	}
	l.writeEntry(Entry{
		Timestamp: time.Now().UTC(),
		ID:        id,
		Action:    tag.String(),
		Outcome:   outcome(result),
		Code:      command.Code(result),
		LatencyMs: latency.Milliseconds(),
		Abandoned: abandoned,
	})
}

// LogAction records a control-plane action such as a logical attach.
func (l *Logger) LogAction(ctx context.Context, action string, err error, latency time.Duration) {
	if l == nil {
		return
	}
	l.writeEntry(Entry{
		Timestamp: time.Now().UTC(),
		User:      userFrom(ctx),
		Action:    action,
		Outcome:   outcome(err),
		Code:      command.Code(err),
		LatencyMs: latency.Milliseconds(),
	})
}

func outcome(err error) string {
	if err == nil {
		return "SUCCESS"
	}
	return "ERROR"
}

func (l *Logger) writeEntry(entry Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		log.WithError(err).Error("failed to marshal audit entry")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return
	}
	if _, err := l.out.Write(append(data, '\n')); err != nil {
		log.WithError(err).Error("failed to write audit entry")
	}
}

// Rotate closes the active file and starts a new one.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator == nil {
		return fmt.Errorf("audit logger closed")
	}
	return l.rotator.Rotate()
}

// FilePath returns the path of the active audit file.
func (l *Logger) FilePath() string {
	return l.filePath
}

// Close flushes and closes the audit file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator == nil {
		return nil
	}
	err := l.rotator.Close()
	l.rotator = nil
	l.out = nil
	return err
}
