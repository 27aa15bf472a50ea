// Package audit implements the metadata-only audit event sink: append-only
// writes with size/age-based rotation and retention pruning. No field of an
// Event may ever carry message content.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeroveil/gateway/internal/policy"
)

const schemaVersion = "1"

// Event is the value object serialized to the audit sink. Field order is
// the wire contract: schema_version first, then the declared order below.
// Unset optional fields serialize as JSON null, never omitted.
type Event struct {
	SchemaVersion    string         `json:"schema_version"`
	TS               int64          `json:"ts"`
	TSISO            string         `json:"ts_iso"`
	RequestID        string         `json:"request_id"`
	TenantID         string         `json:"tenant_id"`
	Action           string         `json:"action"`
	Reason           string         `json:"reason"`
	ClientIP         *string        `json:"client_ip"`
	UserAgent        *string        `json:"user_agent"`
	Provider         *string        `json:"provider"`
	Model            *string        `json:"model"`
	TokensPrompt     *int           `json:"tokens_prompt"`
	TokensCompletion *int           `json:"tokens_completion"`
	MessageCount     *int           `json:"message_count"`
	TotalChars       *int           `json:"total_chars"`
	ZDROnly          *bool          `json:"zdr_only"`
	ScrubbedAttested *bool          `json:"scrubbed_attested"`
	LatencyMs        *int64         `json:"latency_ms"`
	Extra            map[string]any `json:"extra"`
}

// NewEvent stamps ts/ts_iso from clock and fills in the schema version,
// mirroring the "now" constructor used at request time (as opposed to
// literal construction, which tests use to pin an exact timestamp).
func NewEvent(clock func() time.Time, e Event) Event {
	now := clock()
	e.SchemaVersion = schemaVersion
	e.TS = now.Unix()
	e.TSISO = now.UTC().Format(time.RFC3339)
	return e
}

// MarshalJSON forces SchemaVersion to its constant value and derives ts_iso
// from ts regardless of how the Event was constructed, so literal Event{}
// values serialize correctly.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	a := alias(e)
	a.SchemaVersion = schemaVersion
	a.TSISO = time.Unix(a.TS, 0).UTC().Format(time.RFC3339)
	return json.Marshal(a)
}

// Logger is the metadata-only audit sink. A single write lock serializes
// rotation and writes so concurrent events never interleave.
type Logger struct {
	sink      string
	path      string
	retention policy.Retention
	diag      *slog.Logger
	stdout    io.Writer

	mu sync.Mutex
}

// Option configures a Logger at construction time.
type Option func(*Logger)

// WithDiagnostics overrides the logger used for rotation-failure diagnostics.
func WithDiagnostics(l *slog.Logger) Option {
	return func(a *Logger) { a.diag = l }
}

// WithStdout overrides the stdout writer target, for tests.
func WithStdout(w io.Writer) Option {
	return func(a *Logger) { a.stdout = w }
}

// NewLogger constructs a Logger for sink ("stdout" or "jsonl"). path is
// required for the jsonl sink.
func NewLogger(sink, path string, retention policy.Retention, opts ...Option) *Logger {
	l := &Logger{
		sink:      sink,
		path:      path,
		retention: retention,
		diag:      slog.Default(),
		stdout:    os.Stdout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log writes event to the configured sink. jsonl writes trigger rotation and
// retention pruning first; rotation failures are swallowed (logged) and
// never block the write.
func (l *Logger) Log(event Event) error {
	if l.sink == "jsonl" && l.path == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sink == "jsonl" {
		l.maybeRotate()
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	line = append(line, '\n')

	if l.sink == "stdout" {
		_, err := l.stdout.Write(line)
		return err
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening audit sink: %w", err)
	}
	defer f.Close()
	_, err = f.Write(line)
	return err
}

// maybeRotate renames the current log file into the rotation chain when it
// exceeds the configured size, then always runs retention pruning — a
// shrunken rotate_count must eventually catch up even on a call that didn't
// itself trigger rotation.
func (l *Logger) maybeRotate() {
	if l.retention.RotateCount > 0 && l.retention.MaxSizeMB > 0 {
		info, err := os.Stat(l.path)
		if err == nil {
			threshold := int64(l.retention.MaxSizeMB) * 1_048_576
			if info.Size() > threshold {
				for i := l.retention.RotateCount; i >= 1; i-- {
					src := rotatedName(l.path, i)
					dst := rotatedName(l.path, i+1)
					if _, err := os.Stat(src); err == nil {
						if err := os.Rename(src, dst); err != nil {
							l.diag.Error("audit rotation: renaming rotated file", "error", err, "src", src, "dst", dst)
						}
					}
				}
				if err := os.Rename(l.path, rotatedName(l.path, 1)); err != nil {
					l.diag.Error("audit rotation: renaming active file", "error", err, "path", l.path)
				}
			}
		}
	}

	l.pruneRetention()
}

func rotatedName(path string, i int) string {
	return fmt.Sprintf("%s.%d", path, i)
}

// pruneRetention removes rotated siblings beyond rotate_count and any
// rotated sibling older than max_age_days, independent of whether rotation
// itself fired this call.
func (l *Logger) pruneRetention() {
	dir := filepath.Dir(l.path)
	base := filepath.Base(l.path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		l.diag.Error("audit retention: reading directory", "error", err, "dir", dir)
		return
	}

	var cutoff time.Time
	if l.retention.MaxAgeDays > 0 {
		cutoff = time.Now().Add(-time.Duration(l.retention.MaxAgeDays) * 24 * time.Hour)
	}

	prefix := base + "."
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		idx, err := strconv.Atoi(name[len(prefix):])
		if err != nil {
			continue
		}

		remove := idx > l.retention.RotateCount
		if !remove && l.retention.MaxAgeDays > 0 {
			info, err := entry.Info()
			if err == nil && info.ModTime().Before(cutoff) {
				remove = true
			}
		}
		if remove {
			full := filepath.Join(dir, name)
			if err := os.Remove(full); err != nil {
				l.diag.Error("audit retention: removing stale rotated file", "error", err, "path", full)
			}
		}
	}
}
