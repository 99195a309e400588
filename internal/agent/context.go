package agent

import (
	"strings"
	"time"
)

// Context is the ordered conversation the loop feeds the model. Index 0
// is always the instruction message and index 1 the original goal; both
// survive every compaction.
type Context struct {
	msgs      []Message
	estimator func(string) int
}

// EstimateTokens approximates a token count from whitespace-separated
// words. Accuracy is not required; the compaction triggers only need a
// consistent monotone signal.
func EstimateTokens(text string) int {
	return int(float64(len(strings.Fields(text))) / 0.7)
}

func NewContext(instruction, goal string) *Context {
	c := &Context{estimator: EstimateTokens}
	c.Append(RoleSystem, instruction)
	c.Append(RoleUser, goal)
	return c
}

// SetEstimator swaps the token estimator, for callers with access to an
// exact tokenizer. The compaction triggers and guarantees are unchanged.
func (c *Context) SetEstimator(fn func(string) int) {
	if fn != nil {
		c.estimator = fn
	}
}

func (c *Context) Append(role, content string) {
	c.msgs = append(c.msgs, Message{Role: role, Content: content, Timestamp: time.Now().UTC()})
}

func (c *Context) Len() int { return len(c.msgs) }

// Messages returns a copy; the loop exclusively owns the backing slice.
func (c *Context) Messages() []Message {
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *Context) EstimatedTokens() int {
	total := 0
	for _, m := range c.msgs {
		total += c.estimator(m.Content)
	}
	return total
}

// Middle returns the messages a compaction would summarize: everything
// between the pinned head (instruction, goal) and the last keep
// messages. Empty when the context is too small to compact.
func (c *Context) Middle(keep int) []Message {
	if len(c.msgs) <= 2+keep {
		return nil
	}
	middle := c.msgs[2 : len(c.msgs)-keep]
	out := make([]Message, len(middle))
	copy(out, middle)
	return out
}

// CompactionStats describes one applied compaction.
type CompactionStats struct {
	MessagesRemoved int
	TokensBefore    int
	TokensAfter     int
}

// Compact splices the context to [instruction, goal, summary, tail]
// using an already-produced summary. summarized is the length of the
// Middle slice the summary covers; the tail starts right after it, so
// messages appended between the Middle snapshot and this call are
// carried forward rather than discarded. Compact never drops anything
// it was not handed a summary for.
func (c *Context) Compact(summary string, summarized int) CompactionStats {
	if summarized <= 0 || 2+summarized > len(c.msgs) {
		return CompactionStats{}
	}
	before := c.EstimatedTokens()
	tail := c.msgs[2+summarized:]

	spliced := make([]Message, 0, 3+len(tail))
	spliced = append(spliced, c.msgs[0], c.msgs[1])
	spliced = append(spliced, Message{
		Role:      RoleSystem,
		Content:   "Summary of earlier conversation: " + summary,
		Timestamp: time.Now().UTC(),
	})
	spliced = append(spliced, tail...)
	c.msgs = spliced

	return CompactionStats{
		MessagesRemoved: summarized,
		TokensBefore:    before,
		TokensAfter:     c.EstimatedTokens(),
	}
}
