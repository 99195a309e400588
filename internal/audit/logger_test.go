package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoggerWritesOneLinePerEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "events.jsonl")
	logger, err := NewLogger(path, nil)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer logger.Close()

	ctx := context.Background()
	if err := logger.LogEvent(ctx, EventToolStart, map[string]any{"run_id": "r1", "tool": "time.now"}); err != nil {
		t.Fatalf("log start: %v", err)
	}
	if err := logger.LogEvent(ctx, EventToolComplete, map[string]any{"run_id": "r1", "tool": "time.now", "duration_ms": 3}); err != nil {
		t.Fatalf("log complete: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		events = append(events, e)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Type != EventToolStart || events[0].Tool != "time.now" || events[0].RunID != "r1" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Payload["duration_ms"] != float64(3) {
		t.Fatalf("payload not preserved: %+v", events[1].Payload)
	}
}

func TestLoggerRedacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	redact := func(v any) any {
		m, ok := v.(map[string]any)
		if !ok {
			return v
		}
		out := make(map[string]any, len(m))
		for k := range m {
			out[k] = "[redacted]"
		}
		return out
	}
	logger, err := NewLogger(path, redact)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if err := logger.LogEvent(context.Background(), EventToolError, map[string]any{"secret": "hunter2"}); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Payload["secret"] != "[redacted]" {
		t.Fatalf("secret not redacted: %+v", e.Payload)
	}
}

type recordingSink struct {
	types []string
	err   error
}

func (s *recordingSink) LogEvent(ctx context.Context, eventType string, fields map[string]any) error {
	_ = ctx
	_ = fields
	s.types = append(s.types, eventType)
	return s.err
}

func TestFanoutReachesAllSinks(t *testing.T) {
	a := &recordingSink{err: errors.New("boom")}
	b := &recordingSink{}
	fan := Fanout{a, nil, b}

	err := fan.LogEvent(context.Background(), EventCompaction, nil)
	if err == nil || err.Error() != "boom" {
		t.Fatalf("err = %v, want boom", err)
	}
	if len(a.types) != 1 || len(b.types) != 1 {
		t.Fatalf("sinks reached: a=%d b=%d, want 1/1", len(a.types), len(b.types))
	}
}
