package agent

import "time"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation context.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the loop lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	}
	return "unknown"
}

// Status is a point-in-time snapshot of the loop, safe to read while a
// run is in flight.
type Status struct {
	State           State  `json:"-"`
	StateName       string `json:"state"`
	RunID           string `json:"run_id,omitempty"`
	Iteration       int    `json:"iteration"`
	ContextMessages int    `json:"context_messages"`
	EstimatedTokens int    `json:"estimated_tokens"`
	Model           string `json:"model"`
	Warning         string `json:"warning,omitempty"`
	LastError       string `json:"last_error,omitempty"`
}

// RunResult reports how a run ended. Warning is set for the non-fatal
// endings (iteration cap, stop request); fatal conditions surface as an
// error from Run instead.
type RunResult struct {
	Summary    string
	Warning    string
	Iterations int
}
