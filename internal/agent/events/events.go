// Package events defines the normalized agent event vocabulary shared by the
// vendor stream parsers, the adapter, and the executor.
package events

// Type tags the normalized event variants.
type Type string

const (
	// TypeBoot marks the very first event of a stream.
	TypeBoot Type = "boot"
	// TypeThreadStarted carries the vendor's opaque session/thread id.
	TypeThreadStarted Type = "thread.started"
	// TypeTurnStarted marks the beginning of one prompt/response turn.
	TypeTurnStarted Type = "turn.started"
	// TypeTurnCompleted marks a successful turn, optionally with usage.
	TypeTurnCompleted Type = "turn.completed"
	// TypeTurnFailed marks a failed turn with a message.
	TypeTurnFailed Type = "turn.failed"
	// TypeAnalysis carries reasoning/thinking text deltas.
	TypeAnalysis Type = "analysis"
	// TypeResponding carries cumulative assistant text. The payload is the
	// full text so far, not the newly-appended suffix.
	TypeResponding Type = "responding"
	// TypeCommand describes a shell command the agent started or finished.
	TypeCommand Type = "command"
	// TypeEditing describes a file the agent is changing.
	TypeEditing Type = "editing"
	// TypeCompleted carries the final assistant text for the turn.
	TypeCompleted Type = "completed"
	// TypeError carries a vendor-reported error message.
	TypeError Type = "error"
)

// ToolKind classifies vendor tool invocations.
type ToolKind string

const (
	ToolKindCommand    ToolKind = "command"
	ToolKindFileChange ToolKind = "file_change"
	ToolKindWebSearch  ToolKind = "web_search"
	ToolKindGeneric    ToolKind = "tool_call"
)

// Usage aggregates token accounting reported by a vendor at turn end.
type Usage struct {
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
	TotalTokens  int64 `json:"total_tokens,omitempty"`
}

// Event is one normalized agent event. Seq is assigned by the adapter and is
// monotonic within a run.
type Event struct {
	Type Type  `json:"type"`
	Seq  int64 `json:"seq"`

	// ThreadID is set on thread.started.
	ThreadID string `json:"thread_id,omitempty"`

	// Delta is cumulative assistant or analysis text (see TypeResponding).
	Delta string `json:"delta,omitempty"`

	// Title and Detail describe command/editing events.
	Title  string `json:"title,omitempty"`
	Detail string `json:"detail,omitempty"`

	// Kind classifies the tool behind a command/editing/tool event.
	Kind ToolKind `json:"kind,omitempty"`

	// Text is the final assistant text on completed events.
	Text string `json:"text,omitempty"`

	// Message is set on error and turn.failed events.
	Message string `json:"message,omitempty"`

	// Usage is set on turn.completed when the vendor reported it.
	Usage *Usage `json:"usage,omitempty"`
}

// Boot returns a boot event.
func Boot() Event { return Event{Type: TypeBoot} }

// ThreadStarted returns a thread.started event.
func ThreadStarted(threadID string) Event {
	return Event{Type: TypeThreadStarted, ThreadID: threadID}
}

// TurnStarted returns a turn.started event.
func TurnStarted() Event { return Event{Type: TypeTurnStarted} }

// TurnCompleted returns a turn.completed event.
func TurnCompleted(usage *Usage) Event {
	return Event{Type: TypeTurnCompleted, Usage: usage}
}

// TurnFailed returns a turn.failed event.
func TurnFailed(message string) Event {
	return Event{Type: TypeTurnFailed, Message: message}
}

// Responding returns a cumulative assistant-text event.
func Responding(full string) Event {
	return Event{Type: TypeResponding, Delta: full}
}

// Analysis returns a reasoning-delta event.
func Analysis(delta string) Event {
	return Event{Type: TypeAnalysis, Delta: delta}
}

// Command returns a command event.
func Command(title, detail string) Event {
	return Event{Type: TypeCommand, Title: title, Detail: detail, Kind: ToolKindCommand}
}

// Editing returns a file-change event.
func Editing(title, item string) Event {
	return Event{Type: TypeEditing, Title: title, Detail: item, Kind: ToolKindFileChange}
}

// Completed returns a final-text event.
func Completed(text string) Event {
	return Event{Type: TypeCompleted, Text: text}
}

// Error returns an error event.
func Error(message string) Event {
	return Event{Type: TypeError, Message: message}
}
