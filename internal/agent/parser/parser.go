// Package parser converts vendor CLI line-delimited JSON streams into the
// normalized agent event vocabulary. One parser per vendor; all variants are
// total functions from untyped payloads to event slices and never panic on
// malformed field types.
package parser

import (
	"strings"

	"github.com/adshq/ads/internal/agent/events"
)

// Parser is the per-vendor stream parser contract.
type Parser interface {
	// ParseLine consumes one decoded JSON payload and returns zero or more
	// normalized events in delivery order. Unknown payloads yield nil.
	ParseLine(payload any) []events.Event

	// SessionID returns the vendor session/thread id seen so far.
	SessionID() string

	// FinalMessage returns the assistant text accumulated for the turn.
	FinalMessage() string

	// LastError returns the most recent vendor-reported error, if any.
	LastError() string
}

// New returns the parser for a vendor name. Unknown vendors fall back to the
// codex variant, which handles the widest event family.
func New(vendor string) Parser {
	switch strings.ToLower(vendor) {
	case "gemini":
		return NewGeminiParser()
	case "amp":
		return NewAmpParser()
	default:
		return NewCodexParser()
	}
}

// toolCall is the tracked state for one in-flight tool invocation.
type toolCall struct {
	ToolName   string
	Kind       events.ToolKind
	Parameters map[string]any
}

// state is the vendor-independent parser state.
type state struct {
	sessionID string

	// Assistant text keyed by message id, insertion-ordered. The rendered
	// turn text joins the per-message chunks with a blank line.
	messageOrder []string
	messageText  map[string]string

	toolCalls map[string]*toolCall
	lastError string

	// finalText is the vendor's result text, which supersedes the
	// accumulated assistant text once the turn completes.
	finalText string
}

func newState() state {
	return state{
		messageText: make(map[string]string),
		toolCalls:   make(map[string]*toolCall),
	}
}

func (s *state) setSession(id string) {
	if s.sessionID == "" && id != "" {
		s.sessionID = id
	}
}

// updateAssistant replaces the accumulated text for a message id and returns
// the full rendered turn text.
func (s *state) updateAssistant(id, text string) string {
	if id == "" {
		id = "_default"
	}
	if _, ok := s.messageText[id]; !ok {
		s.messageOrder = append(s.messageOrder, id)
	}
	s.messageText[id] = text
	return s.rendered()
}

// appendAssistant adds an incremental chunk for a message id and returns the
// full rendered turn text.
func (s *state) appendAssistant(id, chunk string) string {
	if id == "" {
		id = "_default"
	}
	if _, ok := s.messageText[id]; !ok {
		s.messageOrder = append(s.messageOrder, id)
	}
	s.messageText[id] += chunk
	return s.rendered()
}

// setFinal records the vendor's result text and returns the completed turn
// text: the result text itself when non-empty, otherwise the accumulated
// assistant text. Vendors routinely repeat the assistant text in the result
// field, so the two are never concatenated.
func (s *state) setFinal(text string) string {
	if text == "" {
		return s.rendered()
	}
	s.finalText = text
	return text
}

// finalMessage is the completed turn text, preferring the result text.
func (s *state) finalMessage() string {
	if s.finalText != "" {
		return s.finalText
	}
	return s.rendered()
}

func (s *state) rendered() string {
	parts := make([]string, 0, len(s.messageOrder))
	for _, id := range s.messageOrder {
		if text := s.messageText[id]; text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (s *state) recordToolCall(callID, name string, kind events.ToolKind, params map[string]any) {
	if callID == "" {
		return
	}
	s.toolCalls[callID] = &toolCall{ToolName: name, Kind: kind, Parameters: params}
}

func (s *state) lookupToolCall(callID string) *toolCall {
	return s.toolCalls[callID]
}

// classifyTool maps a vendor tool name (falling back on the call id) to a
// ToolKind. The name match is case-insensitive.
func classifyTool(name, callID string) events.ToolKind {
	probe := strings.ToLower(strings.TrimSpace(name))
	if probe == "" {
		probe = strings.ToLower(callID)
	}
	switch probe {
	case "execute", "bash", "shell":
		return events.ToolKindCommand
	}
	for _, marker := range []string{"applypatch", "apply_patch", "edit", "create", "write_file", "replace"} {
		if strings.Contains(probe, marker) {
			return events.ToolKindFileChange
		}
	}
	if strings.Contains(probe, "websearch") || strings.Contains(probe, "web_search") {
		return events.ToolKindWebSearch
	}
	return events.ToolKindGeneric
}

// Candidate field names per extraction category, in priority order.
var (
	commandFields = []string{"command", "cmd", "shell_command", "bash", "args"}
	pathFields    = []string{"path", "file_path", "filename", "file", "filePath", "target_file", "targetPath"}
	queryFields   = []string{"query", "q", "text", "prompt"}
)

// firstString picks the first non-empty trimmed string among the candidate
// fields of params.
func firstString(params map[string]any, candidates []string) string {
	for _, key := range candidates {
		if v, ok := params[key]; ok {
			if str := stringify(v); str != "" {
				return str
			}
		}
	}
	return ""
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				parts = append(parts, strings.TrimSpace(s))
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

// toolStartEvent shapes an item-started event for a classified tool call.
func toolStartEvent(kind events.ToolKind, name string, params map[string]any) events.Event {
	switch kind {
	case events.ToolKindCommand:
		cmd := firstString(params, commandFields)
		if cmd == "" {
			cmd = name
		}
		return events.Command("执行命令", cmd)
	case events.ToolKindFileChange:
		path := firstString(params, pathFields)
		if path == "" {
			path = name
		}
		return events.Editing("修改文件", path)
	case events.ToolKindWebSearch:
		query := firstString(params, queryFields)
		ev := events.Command("搜索", query)
		ev.Kind = events.ToolKindWebSearch
		return ev
	default:
		ev := events.Command("调用工具", name)
		ev.Kind = events.ToolKindGeneric
		return ev
	}
}

// toolResultEvent shapes an item-completed event for a finished tool call.
func toolResultEvent(call *toolCall, output string) events.Event {
	detail := ""
	switch call.Kind {
	case events.ToolKindCommand:
		detail = firstString(call.Parameters, commandFields)
	case events.ToolKindFileChange:
		detail = firstString(call.Parameters, pathFields)
	case events.ToolKindWebSearch:
		detail = firstString(call.Parameters, queryFields)
	default:
		detail = call.ToolName
	}
	if output != "" {
		detail = detail + " | " + summarize(output)
	}
	ev := events.Event{Type: events.TypeCommand, Title: titleForKind(call.Kind), Detail: detail, Kind: call.Kind}
	if call.Kind == events.ToolKindFileChange {
		ev.Type = events.TypeEditing
	}
	return ev
}

func titleForKind(kind events.ToolKind) string {
	switch kind {
	case events.ToolKindCommand:
		return "执行命令"
	case events.ToolKindFileChange:
		return "修改文件"
	case events.ToolKindWebSearch:
		return "搜索"
	default:
		return "调用工具"
	}
}

// summarize caps tool output carried inside event details.
func summarize(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	const maxRunes = 200
	runes := []rune(text)
	if len(runes) > maxRunes {
		return string(runes[:maxRunes]) + "…"
	}
	return text
}

// asMap safely converts an untyped payload to a map.
func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func getMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	sub, _ := m[key].(map[string]any)
	return sub
}

func getSlice(m map[string]any, key string) []any {
	if m == nil {
		return nil
	}
	s, _ := m[key].([]any)
	return s
}

func getBool(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

func getInt64(m map[string]any, key string) int64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// parseUsage extracts token usage from a vendor usage object.
func parseUsage(m map[string]any) *events.Usage {
	if m == nil {
		return nil
	}
	usage := &events.Usage{
		InputTokens:  getInt64(m, "input_tokens"),
		OutputTokens: getInt64(m, "output_tokens"),
		TotalTokens:  getInt64(m, "total_tokens"),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	if usage.InputTokens == 0 && usage.OutputTokens == 0 && usage.TotalTokens == 0 {
		return nil
	}
	return usage
}

// stringifyContent renders a tool_result content field that may be a string
// or a list of text blocks.
func stringifyContent(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		var parts []string
		for _, item := range t {
			if block := asMap(item); block != nil {
				if text := getString(block, "text"); text != "" {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}
