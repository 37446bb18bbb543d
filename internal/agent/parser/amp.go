package parser

import "github.com/adshq/ads/internal/agent/events"

// AmpParser handles the amp CLI stream. The format is in the same family as
// codex's, but the session id lives in thread_id, errors may be reported as a
// list, and usage totals arrive as flat total_*_tokens fields on the result.
type AmpParser struct {
	state
	started bool
}

// NewAmpParser returns an empty amp parser.
func NewAmpParser() *AmpParser {
	return &AmpParser{state: newState()}
}

func (p *AmpParser) SessionID() string    { return p.sessionID }
func (p *AmpParser) FinalMessage() string { return p.finalMessage() }
func (p *AmpParser) LastError() string    { return p.lastError }

// ParseLine consumes one decoded stream object.
func (p *AmpParser) ParseLine(payload any) []events.Event {
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
		return p.parseToolResults(msg)
	case "result":
		return p.parseResult(msg)
	}
	return nil
}

func (p *AmpParser) parseSystem(msg map[string]any) []events.Event {
	threadID := getString(msg, "thread_id")
	if threadID == "" {
		threadID = getString(msg, "session_id")
	}
	p.setSession(threadID)
	out := []events.Event{events.Boot()}
	if threadID != "" {
		out = append(out, events.ThreadStarted(threadID))
	}
	if !p.started {
		p.started = true
		out = append(out, events.TurnStarted())
	}
	return out
}

func (p *AmpParser) parseAssistant(msg map[string]any) []events.Event {
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
		case "tool_result":
			if call := p.lookupToolCall(getString(block, "tool_use_id")); call != nil {
				output := stringifyContent(block["content"])
				if getBool(block, "is_error") && output != "" {
					p.lastError = output
				}
				out = append(out, toolResultEvent(call, output))
			}
		}
	}
	return out
}

func (p *AmpParser) parseToolResults(msg map[string]any) []events.Event {
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

func (p *AmpParser) parseResult(msg map[string]any) []events.Event {
	if getBool(msg, "is_error") {
		reason := resultErrorText(msg)
		if reason == "" {
			reason = "agent reported an error"
		}
		p.lastError = reason
		return []events.Event{events.Error(reason), events.TurnFailed(reason)}
	}

	final := p.setFinal(resultText(msg["result"]))

	var usage *events.Usage
	in, out := getInt64(msg, "total_input_tokens"), getInt64(msg, "total_output_tokens")
	if in > 0 || out > 0 {
		usage = &events.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
	}
	return []events.Event{
		events.Completed(final),
		events.TurnCompleted(usage),
	}
}
