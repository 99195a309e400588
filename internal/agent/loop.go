package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"metamorph/internal/audit"
	"metamorph/internal/cmdparse"
	"metamorph/internal/config"
	"metamorph/internal/model"
	"metamorph/internal/ratelimit"
	"metamorph/internal/tools"
)

var (
	ErrEmptyResponse  = errors.New("agent: model returned an empty response")
	ErrAlreadyRunning = errors.New("agent: a run is already active")
	ErrNotRunning     = errors.New("agent: no active run")
)

const (
	// WarningIterationCap is reported when a run is parked for safety.
	WarningIterationCap = "iteration cap reached without termination, paused for safety"
	// WarningStopped is reported when a run ends on an external stop.
	WarningStopped = "run stopped by request"

	quotaBackoff = time.Second
)

// Loop drives one agent instance: model dialogue, command dispatch,
// context compaction and the run/pause/stop lifecycle. One iteration
// completes fully before the next begins; the only suspension points
// are the completion and summarization calls.
type Loop struct {
	completer model.Completer
	registry  *tools.Registry
	sink      audit.Sink
	guard     ratelimit.Guard
	cfg       config.LoopConfig

	mu             sync.Mutex
	cond           *sync.Cond
	state          State
	runID          string
	iteration      int
	conv           *Context
	warning        string
	lastErr        string
	stopRequested  bool
	cancelInflight context.CancelFunc
}

func NewLoop(completer model.Completer, registry *tools.Registry, sink audit.Sink, guard ratelimit.Guard, cfg config.LoopConfig) *Loop {
	if guard == nil {
		guard = ratelimit.Unlimited{}
	}
	l := &Loop{
		completer: completer,
		registry:  registry,
		sink:      sink,
		guard:     guard,
		cfg:       cfg,
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Run executes the cognitive loop until the model emits a termination
// marker, the iteration cap parks the run, stop is requested, or a
// fatal condition halts it. Blocking; drive lifecycle methods from
// other goroutines.
func (l *Loop) Run(ctx context.Context, goal string) (RunResult, error) {
	runID, err := l.begin(ctx, goal)
	if err != nil {
		return RunResult{}, err
	}
	return l.finish(ctx, runID)
}

// RunDetached claims the Idle to Running transition synchronously and
// executes the run on its own goroutine. Callers that must report
// acceptance before the run ends use this; the outcome is observable
// via Status and the audit stream.
func (l *Loop) RunDetached(goal string) error {
	runID, err := l.begin(context.Background(), goal)
	if err != nil {
		return err
	}
	go func() {
		_, _ = l.finish(context.Background(), runID)
	}()
	return nil
}

// begin atomically claims a new run: exactly one caller moves the loop
// from Idle to Running with a fresh context.
func (l *Loop) begin(ctx context.Context, goal string) (string, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return "", errors.New("agent: goal is required")
	}

	l.mu.Lock()
	if l.state != StateIdle {
		l.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	l.state = StateRunning
	l.runID = uuid.NewString()
	l.iteration = 0
	l.warning = ""
	l.lastErr = ""
	l.stopRequested = false
	l.conv = NewContext(l.instruction(), goal)
	runID := l.runID
	l.mu.Unlock()

	l.emit(ctx, audit.EventRunStart, map[string]any{"run_id": runID, "goal": goal})
	return runID, nil
}

func (l *Loop) finish(ctx context.Context, runID string) (RunResult, error) {
	result, err := l.run(ctx)

	l.mu.Lock()
	l.state = StateIdle
	l.warning = result.Warning
	if err != nil {
		l.lastErr = err.Error()
	}
	l.mu.Unlock()

	fields := map[string]any{"run_id": runID, "iterations": result.Iterations}
	if result.Summary != "" {
		fields["summary"] = result.Summary
	}
	if result.Warning != "" {
		fields["warning"] = result.Warning
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.emit(ctx, audit.EventRunEnd, fields)

	return result, err
}

type iterationOutcome int

const (
	outcomeContinue iterationOutcome = iota
	outcomeInterrupted
	outcomeDone
)

func (l *Loop) run(ctx context.Context) (RunResult, error) {
	consecutiveFailures := 0

	for {
		if stopped := l.waitWhilePaused(); stopped {
			return RunResult{Warning: WarningStopped, Iterations: l.snapshotIteration()}, nil
		}
		if ctx.Err() != nil {
			return RunResult{Warning: WarningStopped, Iterations: l.snapshotIteration()}, nil
		}

		l.mu.Lock()
		if l.iteration >= l.cfg.IterationCap {
			iters := l.iteration
			l.mu.Unlock()
			return RunResult{Warning: WarningIterationCap, Iterations: iters}, nil
		}
		l.iteration++
		iters := l.iteration
		l.mu.Unlock()

		outcome, summary, err := l.iterate(ctx, &consecutiveFailures)
		if err != nil {
			return RunResult{Iterations: iters}, err
		}
		switch outcome {
		case outcomeDone:
			return RunResult{Summary: summary, Iterations: iters}, nil
		case outcomeInterrupted:
			// The in-flight request was aborted by pause or stop; the
			// iteration did not happen.
			l.mu.Lock()
			l.iteration--
			l.mu.Unlock()
		}
	}
}

// iterate runs one full model-parse-dispatch-compact cycle.
func (l *Loop) iterate(ctx context.Context, consecutiveFailures *int) (iterationOutcome, string, error) {
	// Force compaction before the call if the hard ceiling is breached.
	l.mu.Lock()
	over := l.conv.EstimatedTokens() > l.cfg.HardTokenCeiling
	l.mu.Unlock()
	if over {
		l.compact(ctx, "hard_ceiling")
	}

	if fatal := l.awaitQuota(ctx, ratelimit.KeyModelCalls); fatal != nil {
		return outcomeContinue, "", fatal
	}
	if l.interrupted() {
		return outcomeInterrupted, "", nil
	}

	resp, err := l.complete(ctx, l.chatMessages(), 0)
	if err != nil {
		if l.interrupted() {
			return outcomeInterrupted, "", nil
		}
		*consecutiveFailures++
		l.mu.Lock()
		l.lastErr = err.Error()
		l.mu.Unlock()
		if *consecutiveFailures > l.cfg.ModelFailureRetries {
			return outcomeContinue, "", fmt.Errorf("agent: model failed %d times in a row: %w", *consecutiveFailures, err)
		}
		return outcomeContinue, "", nil
	}
	*consecutiveFailures = 0

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return outcomeContinue, "", ErrEmptyResponse
	}

	l.append(RoleAssistant, text)

	parsed := cmdparse.Parse(text)
	if parsed.Done {
		return outcomeDone, parsed.Summary, nil
	}

	if len(parsed.Commands) == 0 {
		// A marker without a parsable command gets pointed guidance;
		// plain prose gets the protocol reminder.
		guidance := "Your response contained no command. Reply with a " +
			cmdparse.CommandMarker + " command or a " + cmdparse.TerminationMarker + " line."
		if cmdparse.HasMarker(text) {
			guidance = "Your " + cmdparse.CommandMarker + " marker could not be parsed. " +
				"Write the marker, a space, the tool name, then the JSON arguments on the following lines."
		}
		l.append(RoleUser, guidance)
	} else {
		l.dispatch(ctx, parsed.Commands)
	}

	l.mu.Lock()
	count := l.conv.Len()
	tokens := l.conv.EstimatedTokens()
	l.mu.Unlock()
	switch {
	case count >= l.cfg.CompactAtMessages:
		l.compact(ctx, "message_count")
	case tokens >= l.cfg.CompactAtTokens:
		l.compact(ctx, "token_estimate")
	}

	return outcomeContinue, "", nil
}

// dispatch executes commands sequentially in response order, appending
// one result-or-error message per command. A tool failure never halts
// the run; the model sees the error and may recover next turn.
func (l *Loop) dispatch(ctx context.Context, commands []cmdparse.Command) {
	for _, cmd := range commands {
		if l.stopping() {
			return
		}
		if fatal := l.awaitQuota(ctx, ratelimit.KeyToolCalls); fatal != nil {
			l.append(RoleUser, fmt.Sprintf("tool %s skipped: %v", cmd.Name, fatal))
			return
		}

		result, err := l.registry.Execute(ctx, cmd.Name, cmd.Args)
		if err != nil {
			l.append(RoleUser, fmt.Sprintf("tool %s error: %v", cmd.Name, err))
			continue
		}
		encoded, err := json.Marshal(result)
		if err != nil {
			encoded = []byte(fmt.Sprintf("%v", result))
		}
		l.append(RoleUser, fmt.Sprintf("tool %s result: %s", cmd.Name, encoded))
	}
}

// compact issues a bounded summarization request over the middle of the
// context and splices. A summarization failure skips compaction for
// this cycle; context is never discarded unless its summary succeeded.
func (l *Loop) compact(ctx context.Context, trigger string) {
	l.mu.Lock()
	middle := l.conv.Middle(l.cfg.KeepRecentMessages)
	l.mu.Unlock()
	if len(middle) == 0 {
		return
	}

	var transcript strings.Builder
	for _, m := range middle {
		transcript.WriteString(m.Role)
		transcript.WriteString(": ")
		transcript.WriteString(m.Content)
		transcript.WriteString("\n")
	}
	req := []model.ChatMessage{
		{Role: RoleSystem, Content: fmt.Sprintf(
			"Summarize the following agent conversation in at most %d words. "+
				"Cover accomplishments, decisions, findings, and current state.",
			l.cfg.SummaryWordLimit)},
		{Role: RoleUser, Content: transcript.String()},
	}

	resp, err := l.complete(ctx, req, l.cfg.SummaryWordLimit*2)
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		l.mu.Lock()
		l.lastErr = "compaction skipped: summarization failed"
		l.mu.Unlock()
		return
	}

	// Splice against the snapshot length: anything appended while the
	// summarization call was in flight (an injected message, say) moves
	// into the tail instead of being dropped unsummarized.
	l.mu.Lock()
	stats := l.conv.Compact(strings.TrimSpace(resp.Text), len(middle))
	runID := l.runID
	l.mu.Unlock()

	l.emit(ctx, audit.EventCompaction, map[string]any{
		"run_id":           runID,
		"trigger":          trigger,
		"messages_removed": stats.MessagesRemoved,
		"tokens_before":    stats.TokensBefore,
		"tokens_after":     stats.TokensAfter,
	})
}

// complete issues one cancellable completion; pause and stop abort it.
func (l *Loop) complete(ctx context.Context, messages []model.ChatMessage, maxTokens int) (model.Response, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancelInflight = cancel
	if l.state == StatePaused || l.stopRequested {
		// Pause raced the registration; abort as pause would have.
		cancel()
	}
	l.mu.Unlock()

	resp, err := l.completer.Complete(reqCtx, model.Request{Messages: messages, MaxTokens: maxTokens})

	l.mu.Lock()
	l.cancelInflight = nil
	l.mu.Unlock()
	cancel()
	return resp, err
}

// awaitQuota blocks until the guard admits the call, backing off on
// denial. Only context cancellation makes it fail.
func (l *Loop) awaitQuota(ctx context.Context, key string) error {
	for {
		if l.guard.Allow(key) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(quotaBackoff):
		}
		if l.interrupted() {
			return nil
		}
	}
}

// Pause parks the loop and aborts any in-flight model request. The
// aborted iteration is not consumed.
func (l *Loop) Pause(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateRunning {
		l.mu.Unlock()
		return ErrNotRunning
	}
	l.state = StatePaused
	runID := l.runID
	if l.cancelInflight != nil {
		l.cancelInflight()
	}
	l.mu.Unlock()

	l.emit(ctx, audit.EventRunPause, map[string]any{"run_id": runID})
	return nil
}

// Resume lets a paused loop continue from its current context.
func (l *Loop) Resume(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StatePaused {
		l.mu.Unlock()
		return ErrNotRunning
	}
	l.state = StateRunning
	runID := l.runID
	l.cond.Broadcast()
	l.mu.Unlock()

	l.emit(ctx, audit.EventRunResume, map[string]any{"run_id": runID})
	return nil
}

// Stop ends the run: aborts any in-flight request and discards further
// iterations.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state == StateIdle {
		l.mu.Unlock()
		return ErrNotRunning
	}
	l.stopRequested = true
	l.state = StateRunning
	if l.cancelInflight != nil {
		l.cancelInflight()
	}
	l.cond.Broadcast()
	l.mu.Unlock()
	return nil
}

// InjectContext appends an out-of-band instruction to the live context.
func (l *Loop) InjectContext(ctx context.Context, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return errors.New("agent: inject message is empty")
	}

	l.mu.Lock()
	if l.conv == nil || l.state == StateIdle {
		l.mu.Unlock()
		return ErrNotRunning
	}
	l.conv.Append(RoleUser, message)
	runID := l.runID
	l.mu.Unlock()

	l.emit(ctx, audit.EventRunInject, map[string]any{"run_id": runID, "message": message})
	return nil
}

func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Status{
		State:     l.state,
		StateName: l.state.String(),
		RunID:     l.runID,
		Iteration: l.iteration,
		Model:     l.completer.Identifier(),
		Warning:   l.warning,
		LastError: l.lastErr,
	}
	if l.conv != nil {
		st.ContextMessages = l.conv.Len()
		st.EstimatedTokens = l.conv.EstimatedTokens()
	}
	return st
}

func (l *Loop) waitWhilePaused() (stopped bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.state == StatePaused && !l.stopRequested {
		l.cond.Wait()
	}
	return l.stopRequested
}

func (l *Loop) interrupted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StatePaused || l.stopRequested
}

func (l *Loop) stopping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopRequested
}

func (l *Loop) snapshotIteration() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.iteration
}

func (l *Loop) chatMessages() []model.ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.ChatMessage, 0, l.conv.Len())
	for _, m := range l.conv.Messages() {
		out = append(out, model.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func (l *Loop) append(role, content string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conv.Append(role, content)
}

// instruction builds the pinned system message: the command protocol
// plus the currently registered tools.
func (l *Loop) instruction() string {
	var b strings.Builder
	b.WriteString("You are an autonomous agent. You act only by emitting commands.\n")
	b.WriteString("To invoke a tool, write a line of the form:\n")
	b.WriteString("  " + cmdparse.CommandMarker + " <tool name>\n")
	b.WriteString("followed by a JSON object with the arguments. ")
	b.WriteString("Multiple commands per response are allowed and run in order.\n")
	b.WriteString("When the goal is achieved, write a line starting with " + cmdparse.TerminationMarker)
	b.WriteString(" followed by a short result summary.\n\nAvailable tools:\n")
	for _, spec := range l.registry.List() {
		b.WriteString("- " + spec.Name)
		if spec.Description != "" {
			b.WriteString(": " + spec.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (l *Loop) emit(ctx context.Context, eventType string, fields map[string]any) {
	if l.sink == nil {
		return
	}
	_ = l.sink.LogEvent(ctx, eventType, fields)
}
