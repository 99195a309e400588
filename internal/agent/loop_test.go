package agent

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"metamorph/internal/codestore"
	"metamorph/internal/config"
	"metamorph/internal/loader"
	"metamorph/internal/model"
	"metamorph/internal/selfmod"
	"metamorph/internal/tools"
)

type step struct {
	text string
	err  error
}

// scripted replays canned responses in order. Summarization requests
// are answered out of band so compaction does not consume the script.
type scripted struct {
	mu        sync.Mutex
	steps     []step
	summary   string
	calls     int
	summaries int
	requests  [][]model.ChatMessage
}

func (s *scripted) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(req.Messages) > 0 && strings.HasPrefix(req.Messages[0].Content, "Summarize") {
		s.summaries++
		if s.summary == "" {
			return model.Response{}, errors.New("no summary scripted")
		}
		return model.Response{Text: s.summary}, nil
	}

	s.calls++
	s.requests = append(s.requests, req.Messages)
	if len(s.steps) == 0 {
		return model.Response{Text: "TASK_COMPLETE: script exhausted"}, nil
	}
	next := s.steps[0]
	s.steps = s.steps[1:]
	if next.err != nil {
		return model.Response{}, next.err
	}
	return model.Response{Text: next.text}, nil
}

func (s *scripted) Identifier() string { return "scripted" }

func (s *scripted) lastRequest() []model.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return nil
	}
	return s.requests[len(s.requests)-1]
}

// blocking hangs its first call until the context is cancelled, then
// serves a fixed response for every later call.
type blocking struct {
	started chan struct{}
	then    string
	calls   atomic.Int32
}

func newBlocking(then string) *blocking {
	return &blocking{started: make(chan struct{}), then: then}
}

func (b *blocking) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if b.calls.Add(1) == 1 {
		close(b.started)
		<-ctx.Done()
		return model.Response{}, ctx.Err()
	}
	return model.Response{Text: b.then}, nil
}

func (b *blocking) Identifier() string { return "blocking" }

func echoRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(nil)
	err := reg.RegisterBuiltin(tools.Spec{Name: "echo"}, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		_ = ctx
		return map[string]any{"echo": args}, nil
	})
	if err != nil {
		t.Fatalf("register echo: %v", err)
	}
	return reg
}

func loopConfig() config.LoopConfig {
	return config.Default().Loop
}

const scenarioAdderSrc = `//metamorph:tool tools/add_numbers
package addtool

func Run(args map[string]any) (map[string]any, error) {
	a, _ := args["a"].(float64)
	b, _ := args["b"].(float64)
	return map[string]any{"sum": a + b}, nil
}
`

func TestRunCreatesAndUsesTool(t *testing.T) {
	store, err := codestore.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ldr := loader.New(store, nil)
	reg := tools.NewRegistry(nil)
	engine := selfmod.NewEngine(store, ldr, reg, nil)
	if err := tools.RegisterBuiltins(reg, store, engine); err != nil {
		t.Fatalf("builtins: %v", err)
	}

	createArgs, _ := json.Marshal(map[string]any{"name": "add_numbers", "code": scenarioAdderSrc})
	completer := &scripted{steps: []step{
		{text: "I will create an adder first.\n>>>tool tool.create\n" + string(createArgs)},
		{text: ">>>tool add_numbers\n{\"a\": 5, \"b\": 3}"},
		{text: "TASK_COMPLETE: the sum is 8"},
	}}

	loop := NewLoop(completer, reg, nil, nil, loopConfig())
	result, err := loop.Run(context.Background(), "add two numbers")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Summary != "the sum is 8" {
		t.Fatalf("summary = %q", result.Summary)
	}
	if result.Iterations != 3 {
		t.Fatalf("iterations = %d", result.Iterations)
	}

	// The final request context carries the tool result with the sum.
	var sawSum bool
	for _, m := range completer.lastRequest() {
		if strings.Contains(m.Content, "tool add_numbers result:") && strings.Contains(m.Content, "8") {
			sawSum = true
		}
	}
	if !sawSum {
		t.Fatal("tool result with sum 8 not present in context")
	}
	if loop.Status().State != StateIdle {
		t.Fatalf("state = %s", loop.Status().StateName)
	}
}

func TestRunIterationCapParksTheRun(t *testing.T) {
	completer := &scripted{}
	// Never terminate: every response repeats the same command.
	for i := 0; i < 100; i++ {
		completer.steps = append(completer.steps, step{text: ">>>tool echo\n{}"})
	}
	cfg := loopConfig()
	cfg.IterationCap = 5

	loop := NewLoop(completer, echoRegistry(t), nil, nil, cfg)
	result, err := loop.Run(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("cap must not be an error: %v", err)
	}
	if result.Warning != WarningIterationCap {
		t.Fatalf("warning = %q", result.Warning)
	}
	if result.Iterations != 5 || completer.calls != 5 {
		t.Fatalf("iterations = %d, calls = %d", result.Iterations, completer.calls)
	}
	if loop.Status().State != StateIdle {
		t.Fatalf("state = %s", loop.Status().StateName)
	}
}

func TestRunEmptyResponseIsFatal(t *testing.T) {
	completer := &scripted{steps: []step{{text: "   \n  "}}}
	loop := NewLoop(completer, echoRegistry(t), nil, nil, loopConfig())

	_, err := loop.Run(context.Background(), "anything")
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("err = %v, want ErrEmptyResponse", err)
	}
	if completer.calls != 1 {
		t.Fatalf("calls = %d, want 1 (no second attempt)", completer.calls)
	}
	if loop.Status().State != StateIdle {
		t.Fatalf("state = %s", loop.Status().StateName)
	}
}

func TestRunRetriesSingleModelFailure(t *testing.T) {
	completer := &scripted{steps: []step{
		{err: errors.New("transient")},
		{text: "TASK_COMPLETE: recovered"},
	}}
	loop := NewLoop(completer, echoRegistry(t), nil, nil, loopConfig())

	result, err := loop.Run(context.Background(), "goal")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Summary != "recovered" {
		t.Fatalf("summary = %q", result.Summary)
	}
}

func TestRunRepeatedModelFailureIsFatal(t *testing.T) {
	cause := errors.New("provider down")
	completer := &scripted{steps: []step{{err: cause}, {err: cause}}}
	loop := NewLoop(completer, echoRegistry(t), nil, nil, loopConfig())

	_, err := loop.Run(context.Background(), "goal")
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want wrapped cause", err)
	}
}

func TestRunCorrectsCommandlessResponse(t *testing.T) {
	completer := &scripted{steps: []step{
		{text: "let me think about this for a while"},
		{text: "TASK_COMPLETE: done thinking"},
	}}
	loop := NewLoop(completer, echoRegistry(t), nil, nil, loopConfig())

	if _, err := loop.Run(context.Background(), "goal"); err != nil {
		t.Fatalf("run: %v", err)
	}

	var corrected bool
	for _, m := range completer.lastRequest() {
		if m.Role == RoleUser && strings.Contains(m.Content, "no command") {
			corrected = true
		}
	}
	if !corrected {
		t.Fatal("corrective instruction not appended")
	}
}

func TestRunCorrectsMalformedMarker(t *testing.T) {
	// A marker line with no tool name parses to zero commands.
	completer := &scripted{steps: []step{
		{text: ">>>tool\n{}"},
		{text: "TASK_COMPLETE: fixed"},
	}}
	loop := NewLoop(completer, echoRegistry(t), nil, nil, loopConfig())

	if _, err := loop.Run(context.Background(), "goal"); err != nil {
		t.Fatalf("run: %v", err)
	}

	var corrected bool
	for _, m := range completer.lastRequest() {
		if m.Role == RoleUser && strings.Contains(m.Content, "could not be parsed") {
			corrected = true
		}
	}
	if !corrected {
		t.Fatal("malformed-marker guidance not appended")
	}
}

func TestRunCompactsOnMessageCount(t *testing.T) {
	completer := &scripted{summary: "compact summary of earlier work"}
	for i := 0; i < 30; i++ {
		completer.steps = append(completer.steps, step{text: ">>>tool echo\n{\"turn\": " + string(rune('0'+i%10)) + "}"})
	}
	completer.steps = append(completer.steps, step{text: "TASK_COMPLETE: done"})

	cfg := loopConfig()
	cfg.CompactAtMessages = 10
	cfg.KeepRecentMessages = 3
	cfg.IterationCap = 50

	loop := NewLoop(completer, echoRegistry(t), nil, nil, cfg)
	if _, err := loop.Run(context.Background(), "busy goal"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if completer.summaries == 0 {
		t.Fatal("no summarization request issued")
	}

	var sawSummary bool
	for _, m := range completer.lastRequest() {
		if m.Role == RoleSystem && strings.Contains(m.Content, "compact summary of earlier work") {
			sawSummary = true
		}
	}
	if !sawSummary {
		t.Fatal("summary message not spliced into context")
	}
}

func TestRunSkipsCompactionWhenSummarizationFails(t *testing.T) {
	// No summary scripted: every summarization request fails.
	completer := &scripted{}
	for i := 0; i < 15; i++ {
		completer.steps = append(completer.steps, step{text: ">>>tool echo\n{}"})
	}
	completer.steps = append(completer.steps, step{text: "TASK_COMPLETE: done"})

	cfg := loopConfig()
	cfg.CompactAtMessages = 10
	cfg.KeepRecentMessages = 3

	loop := NewLoop(completer, echoRegistry(t), nil, nil, cfg)
	if _, err := loop.Run(context.Background(), "goal"); err != nil {
		t.Fatalf("failed summarization must not be fatal: %v", err)
	}
	// Nothing was discarded: the full history is still in the final
	// request.
	if len(completer.lastRequest()) < cfg.CompactAtMessages {
		t.Fatalf("context shrank to %d messages without a summary", len(completer.lastRequest()))
	}
}

// gatedSummary holds the first summarization call open until released,
// so the test can act while compaction is in flight.
type gatedSummary struct {
	scripted
	summarizing chan struct{}
	release     chan struct{}
	once        sync.Once
}

func (g *gatedSummary) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) > 0 && strings.HasPrefix(req.Messages[0].Content, "Summarize") {
		g.once.Do(func() { close(g.summarizing) })
		<-g.release
	}
	return g.scripted.Complete(ctx, req)
}

func TestCompactionKeepsMessageInjectedMidSummary(t *testing.T) {
	completer := &gatedSummary{
		scripted:    scripted{summary: "what happened so far"},
		summarizing: make(chan struct{}),
		release:     make(chan struct{}),
	}
	// Exactly one compaction fires, on the third iteration; the run
	// terminates on the next turn.
	for i := 0; i < 3; i++ {
		completer.steps = append(completer.steps, step{text: ">>>tool echo\n{}"})
	}
	completer.steps = append(completer.steps, step{text: "TASK_COMPLETE: done"})

	cfg := loopConfig()
	cfg.CompactAtMessages = 8
	cfg.KeepRecentMessages = 2

	loop := NewLoop(completer, echoRegistry(t), nil, nil, cfg)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := loop.Run(context.Background(), "goal"); err != nil {
			t.Errorf("run: %v", err)
		}
	}()

	<-completer.summarizing
	if err := loop.InjectContext(context.Background(), "remember the deploy key"); err != nil {
		t.Fatalf("inject: %v", err)
	}
	close(completer.release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}

	var sawInjected, sawSummary bool
	for _, m := range completer.lastRequest() {
		if strings.Contains(m.Content, "remember the deploy key") {
			sawInjected = true
		}
		if strings.Contains(m.Content, "what happened so far") {
			sawSummary = true
		}
	}
	if !sawSummary {
		t.Fatal("summary not spliced into context")
	}
	if !sawInjected {
		t.Fatal("message injected during summarization was lost")
	}
}

func TestPauseAbortsInflightWithoutConsumingIteration(t *testing.T) {
	completer := newBlocking("TASK_COMPLETE: after resume")
	loop := NewLoop(completer, echoRegistry(t), nil, nil, loopConfig())

	done := make(chan RunResult, 1)
	go func() {
		result, err := loop.Run(context.Background(), "goal")
		if err != nil {
			t.Errorf("run: %v", err)
		}
		done <- result
	}()

	<-completer.started
	if err := loop.Pause(context.Background()); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if loop.Status().State != StatePaused {
		t.Fatalf("state = %s", loop.Status().StateName)
	}
	if err := loop.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}

	select {
	case result := <-done:
		if result.Summary != "after resume" {
			t.Fatalf("summary = %q", result.Summary)
		}
		// The aborted request did not consume an iteration.
		if result.Iterations != 1 {
			t.Fatalf("iterations = %d, want 1", result.Iterations)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resume")
	}
}

func TestStopEndsTheRun(t *testing.T) {
	completer := newBlocking("unused")
	loop := NewLoop(completer, echoRegistry(t), nil, nil, loopConfig())

	done := make(chan RunResult, 1)
	go func() {
		result, err := loop.Run(context.Background(), "goal")
		if err != nil {
			t.Errorf("run: %v", err)
		}
		done <- result
	}()

	<-completer.started
	if err := loop.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case result := <-done:
		if result.Warning != WarningStopped {
			t.Fatalf("warning = %q", result.Warning)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	if loop.Status().State != StateIdle {
		t.Fatalf("state = %s", loop.Status().StateName)
	}
}

func TestInjectContextReachesNextRequest(t *testing.T) {
	completer := newBlocking("TASK_COMPLETE: noted")
	loop := NewLoop(completer, echoRegistry(t), nil, nil, loopConfig())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := loop.Run(context.Background(), "goal"); err != nil {
			t.Errorf("run: %v", err)
		}
	}()

	<-completer.started
	if err := loop.Pause(context.Background()); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := loop.InjectContext(context.Background(), "focus on the tests"); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if err := loop.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}

	st := loop.Status()
	if st.State != StateIdle {
		t.Fatalf("state = %s", st.StateName)
	}
}

func TestInjectContextRequiresActiveRun(t *testing.T) {
	loop := NewLoop(&scripted{}, echoRegistry(t), nil, nil, loopConfig())
	if err := loop.InjectContext(context.Background(), "hello"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	completer := newBlocking("unused")
	loop := NewLoop(completer, echoRegistry(t), nil, nil, loopConfig())

	go loop.Run(context.Background(), "first")
	<-completer.started

	if _, err := loop.Run(context.Background(), "second"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	_ = loop.Stop(context.Background())
}

func TestRunDetachedClaimsSynchronously(t *testing.T) {
	completer := newBlocking("unused")
	loop := NewLoop(completer, echoRegistry(t), nil, nil, loopConfig())

	if err := loop.RunDetached(""); err == nil {
		t.Fatal("empty goal accepted")
	}
	if err := loop.RunDetached("first"); err != nil {
		t.Fatalf("detached run: %v", err)
	}
	// The claim lands before RunDetached returns: a second caller loses
	// immediately, with no window where both are accepted.
	if err := loop.RunDetached("second"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	if loop.Status().State != StateRunning {
		t.Fatalf("state = %s", loop.Status().StateName)
	}
	_ = loop.Stop(context.Background())
}

func TestStatusReflectsModelIdentifier(t *testing.T) {
	loop := NewLoop(&scripted{}, echoRegistry(t), nil, nil, loopConfig())
	if st := loop.Status(); st.Model != "scripted" || st.State != StateIdle {
		t.Fatalf("status = %+v", st)
	}
}
