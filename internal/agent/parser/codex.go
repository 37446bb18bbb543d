package parser

import (
	"encoding/json"
	"strings"

	"github.com/adshq/ads/internal/agent/events"
)

// CodexParser handles the codex CLI stream format: line-delimited objects of
// type system/assistant/user/result with nested content blocks.
type CodexParser struct {
	state
	started bool
}

// NewCodexParser returns an empty codex parser.
func NewCodexParser() *CodexParser {
	return &CodexParser{state: newState()}
}

func (p *CodexParser) SessionID() string    { return p.sessionID }
func (p *CodexParser) FinalMessage() string { return p.finalMessage() }
func (p *CodexParser) LastError() string    { return p.lastError }

// ParseLine consumes one decoded stream object.
func (p *CodexParser) ParseLine(payload any) []events.Event {
	msg := asMap(payload)
	if msg == nil {
		return nil
	}
	switch getString(msg, "type") {
	case "system":
		return p.parseSystem(msg)
	case "assistant":
		return p.parseAssistant(msg)
	case "user":
		return p.parseUser(msg)
	case "result":
		return p.parseResult(msg)
	}
	return nil
}

func (p *CodexParser) parseSystem(msg map[string]any) []events.Event {
	if getString(msg, "subtype") != "init" {
		return nil
	}
	sessionID := getString(msg, "session_id")
	p.setSession(sessionID)
	out := []events.Event{events.Boot()}
	if sessionID != "" {
		out = append(out, events.ThreadStarted(sessionID))
	}
	if !p.started {
		p.started = true
		out = append(out, events.TurnStarted())
	}
	return out
}

func (p *CodexParser) parseAssistant(msg map[string]any) []events.Event {
	inner := getMap(msg, "message")
	if inner == nil {
		return nil
	}
	msgID := getString(inner, "id")
	var out []events.Event
	for _, raw := range getSlice(inner, "content") {
		block := asMap(raw)
		if block == nil {
			continue
		}
		switch getString(block, "type") {
		case "text":
			if text := getString(block, "text"); text != "" {
				out = append(out, events.Responding(p.updateAssistant(msgID, text)))
			}
		case "thinking":
			if thought := getString(block, "thinking"); thought != "" {
				out = append(out, events.Analysis(thought))
			}
		case "tool_use":
			callID := getString(block, "id")
			name := getString(block, "name")
			params := getMap(block, "input")
			kind := classifyTool(name, callID)
			p.recordToolCall(callID, name, kind, params)
			out = append(out, toolStartEvent(kind, name, params))
		}
	}
	return out
}

func (p *CodexParser) parseUser(msg map[string]any) []events.Event {
	inner := getMap(msg, "message")
	if inner == nil {
		return nil
	}
	var out []events.Event
	for _, raw := range getSlice(inner, "content") {
		block := asMap(raw)
		if block == nil || getString(block, "type") != "tool_result" {
			continue
		}
		call := p.lookupToolCall(getString(block, "tool_use_id"))
		if call == nil {
			continue
		}
		output := stringifyContent(block["content"])
		if getBool(block, "is_error") && output != "" {
			p.lastError = output
		}
		out = append(out, toolResultEvent(call, output))
	}
	return out
}

func (p *CodexParser) parseResult(msg map[string]any) []events.Event {
	if getBool(msg, "is_error") || getString(msg, "subtype") == "error_during_execution" {
		reason := resultErrorText(msg)
		if reason == "" {
			reason = "agent reported an error"
		}
		p.lastError = reason
		return []events.Event{events.Error(reason), events.TurnFailed(reason)}
	}

	final := p.setFinal(resultText(msg["result"]))
	return []events.Event{
		events.Completed(final),
		events.TurnCompleted(parseUsage(getMap(msg, "usage"))),
	}
}

// resultText renders the result field, which may be a plain string or an
// arbitrary JSON value re-encoded by the vendor.
func resultText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

func resultErrorText(msg map[string]any) string {
	if e := getString(msg, "error"); e != "" {
		return e
	}
	var parts []string
	for _, raw := range getSlice(msg, "errors") {
		if s, ok := raw.(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "; ")
	}
	return resultText(msg["result"])
}
