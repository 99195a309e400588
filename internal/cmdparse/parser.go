package cmdparse

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Model responses carry commands in a line protocol:
//
//	>>>tool store.write
//	{"path": "notes/plan", "content": "..."}
//
// The argument object may span multiple lines, and model output is not
// trusted to be well formed. Parsing is an explicit state machine over
// lines that favors forward progress over strict rejection.

const (
	// CommandMarker starts a command line; the tool name follows on the
	// same line.
	CommandMarker = ">>>tool"
	// TerminationMarker signals the goal is achieved; the rest of the
	// line is the final summary.
	TerminationMarker = "TASK_COMPLETE:"
)

// Command is one parsed tool invocation. Recovered marks commands whose
// argument block could not be decoded even after normalization; those
// carry empty args and rely on the tool's own input validation to
// surface the problem.
type Command struct {
	Name      string
	Args      map[string]any
	RawArgs   string
	Recovered bool
}

// Result is everything extracted from one model response.
type Result struct {
	Commands []Command
	Done     bool
	Summary  string
}

type scanState int

const (
	stateScanning scanState = iota
	stateAccumulating
)

// Parse extracts commands and the termination marker from a model
// response. It never fails: malformed blocks degrade to commands with
// empty arguments, and text after the termination marker is ignored.
func Parse(response string) Result {
	var (
		result  Result
		state   = stateScanning
		current Command
		block   strings.Builder
	)

	finish := func() {
		current.RawArgs = block.String()
		current.Args, current.Recovered = decodeArgs(current.RawArgs)
		result.Commands = append(result.Commands, current)
		current = Command{}
		block.Reset()
		state = stateScanning
	}

	for _, line := range strings.Split(response, "\n") {
		trimmed := strings.TrimSpace(line)

		if summary, ok := strings.CutPrefix(trimmed, TerminationMarker); ok {
			if state == stateAccumulating {
				finish()
			}
			result.Done = true
			result.Summary = strings.TrimSpace(summary)
			return result
		}

		if rest, ok := strings.CutPrefix(trimmed, CommandMarker); ok && (rest == "" || rest[0] == ' ' || rest[0] == '\t') {
			if state == stateAccumulating {
				// A new marker before the braces balanced: close out
				// what we have rather than swallowing the next command.
				finish()
			}
			name, inline := splitMarkerRest(rest)
			if name == "" {
				continue
			}
			current = Command{Name: name}
			state = stateAccumulating
			if inline != "" {
				if done := accumulate(&block, inline); done {
					finish()
				}
			}
			continue
		}

		if state != stateAccumulating {
			continue
		}
		if block.Len() == 0 && trimmed == "" {
			continue
		}
		if block.Len() > 0 {
			block.WriteByte('\n')
		}
		if done := accumulate(&block, line); done {
			finish()
		}
	}

	if state == stateAccumulating {
		finish()
	}
	return result
}

// splitMarkerRest separates the tool name from any argument text that
// follows it on the marker line.
func splitMarkerRest(rest string) (name, inline string) {
	rest = strings.TrimSpace(rest)
	if i := strings.IndexAny(rest, " \t{"); i >= 0 {
		if rest[i] == '{' {
			return strings.TrimSpace(rest[:i]), rest[i:]
		}
		return rest[:i], strings.TrimSpace(rest[i+1:])
	}
	return rest, ""
}

// accumulate appends line to the block and reports whether brace depth
// over the whole block has returned to zero. When it has, the block is
// truncated at the closing brace so trailing commentary is discarded.
func accumulate(block *strings.Builder, line string) bool {
	block.WriteString(line)
	text := block.String()

	depth := 0
	inString := false
	escaped := false
	started := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
			started = true
		case '}':
			depth--
			if started && depth == 0 {
				truncated := text[:i+1]
				block.Reset()
				block.WriteString(truncated)
				return true
			}
		}
	}
	return false
}

// decodeArgs turns an accumulated block into an argument map. The block
// is normalized first; if it still does not decode, the command gets
// empty arguments and the recovered flag.
func decodeArgs(raw string) (map[string]any, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, false
	}
	// Leading prose before the opening brace is discarded the same way
	// trailing prose after the close is.
	if i := strings.IndexByte(raw, '{'); i > 0 {
		raw = raw[i:]
	}
	normalized := Normalize(raw)

	args := map[string]any{}
	if err := json.Unmarshal([]byte(normalized), &args); err == nil {
		return args, false
	}
	return map[string]any{}, true
}

// Normalize repairs the malformed-escape patterns models commonly emit
// inside JSON string literals: stray backslashes before characters that
// are not valid escapes, and raw control characters such as literal
// newlines and tabs.
func Normalize(raw string) string {
	var out strings.Builder
	out.Grow(len(raw))

	inString := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if !inString {
			out.WriteByte(c)
			if c == '"' {
				inString = true
			}
			continue
		}

		switch {
		case c == '\\':
			if i+1 < len(raw) && validEscape(raw[i+1]) {
				out.WriteByte(c)
				i++
				out.WriteByte(raw[i])
			}
			// Stray backslash: drop it, keep whatever follows.
		case c == '"':
			inString = false
			out.WriteByte(c)
		case c < 0x20:
			out.WriteString(controlEscape(c))
		default:
			out.WriteByte(c)
		}
	}
	return out.String()
}

func validEscape(c byte) bool {
	switch c {
	case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
		return true
	}
	return false
}

func controlEscape(c byte) string {
	switch c {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	}
	return fmt.Sprintf(`\u%04x`, c)
}

// HasMarker reports whether text contains either protocol marker, used
// by the loop to pick the corrective instruction when a response parses
// to no commands.
func HasMarker(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimLeftFunc(line, unicode.IsSpace)
		if strings.HasPrefix(trimmed, CommandMarker) || strings.HasPrefix(trimmed, TerminationMarker) {
			return true
		}
	}
	return false
}
