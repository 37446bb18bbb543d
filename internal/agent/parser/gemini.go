package parser

import "github.com/adshq/ads/internal/agent/events"

// GeminiParser handles the gemini CLI stream format: flat typed events with
// incremental assistant text (each text event carries only the new chunk).
type GeminiParser struct {
	state
	started bool
}

// NewGeminiParser returns an empty gemini parser.
func NewGeminiParser() *GeminiParser {
	return &GeminiParser{state: newState()}
}

func (p *GeminiParser) SessionID() string    { return p.sessionID }
func (p *GeminiParser) FinalMessage() string { return p.finalMessage() }
func (p *GeminiParser) LastError() string    { return p.lastError }

// ParseLine consumes one decoded stream object.
func (p *GeminiParser) ParseLine(payload any) []events.Event {
	msg := asMap(payload)
	if msg == nil {
		return nil
	}
	switch getString(msg, "type") {
	case "init":
		sessionID := getString(msg, "session_id")
		if sessionID == "" {
			sessionID = getString(msg, "sessionId")
		}
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

	case "thought":
		if text := getString(msg, "text"); text != "" {
			return []events.Event{events.Analysis(text)}
		}

	case "text":
		if chunk := getString(msg, "text"); chunk != "" {
			return []events.Event{events.Responding(p.appendAssistant(getString(msg, "id"), chunk))}
		}

	case "tool_use":
		callID := getString(msg, "id")
		name := getString(msg, "name")
		params := getMap(msg, "input")
		if params == nil {
			params = getMap(msg, "args")
		}
		kind := classifyTool(name, callID)
		p.recordToolCall(callID, name, kind, params)
		return []events.Event{toolStartEvent(kind, name, params)}

	case "tool_result":
		call := p.lookupToolCall(getString(msg, "id"))
		if call == nil {
			return nil
		}
		output := stringifyContent(msg["output"])
		if getBool(msg, "is_error") && output != "" {
			p.lastError = output
		}
		return []events.Event{toolResultEvent(call, output)}

	case "result":
		if reason := getString(msg, "error"); reason != "" {
			p.lastError = reason
			return []events.Event{events.Error(reason), events.TurnFailed(reason)}
		}
		final := p.setFinal(getString(msg, "text"))
		return []events.Event{
			events.Completed(final),
			events.TurnCompleted(parseUsage(getMap(msg, "usage"))),
		}

	case "error":
		reason := getString(msg, "message")
		if reason == "" {
			reason = "agent reported an error"
		}
		p.lastError = reason
		return []events.Event{events.Error(reason)}
	}
	return nil
}
