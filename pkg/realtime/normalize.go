package realtime

import (
	"encoding/json"
	"fmt"
)

// Normalize converts one wire event from the engine into a flat Event.
// It is pure and never panics on odd shapes: unrecognized types come back
// with only the type tag so they can be forwarded raw. An error means the
// payload was not a JSON object at all.
func Normalize(raw []byte) (Event, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Event{}, fmt.Errorf("normalize event: %w", err)
	}
	return normalizeMap(m), nil
}

func normalizeMap(m map[string]any) Event {
	ev := Event{Type: asString(m["type"])}

	switch ev.Type {
	case "agent_start", "agent_end":
		ev.Agent = nameOf(m["agent"])
	case "handoff":
		ev.From = nameOf(firstOf(m, "from", "from_agent"))
		ev.To = nameOf(firstOf(m, "to", "to_agent"))
	case "tool_start":
		ev.Tool = nameOf(m["tool"])
	case "tool_end":
		ev.Tool = nameOf(m["tool"])
		ev.Output = asString(m["output"])
	case "history_updated":
		ev.History = sanitizeHistory(m["history"])
	case "history_added":
		ev.Item = sanitizeItem(m["item"])
	case "error":
		ev.Error = stringify(m["error"])
	case "raw_model_event":
		normalizeRawModel(&ev, m)
	}

	// Generic fields that can ride on any event shape.
	if ev.Transcript == "" {
		if t, ok := m["transcript"].(string); ok {
			ev.Transcript = t
		}
	}
	if ev.Response == nil {
		if resp, ok := m["response"].(map[string]any); ok {
			ev.Response = parseResponse(resp)
		}
	}
	return ev
}

// normalizeRawModel unwraps a raw passthrough event. Server events carried
// inside are promoted to top-level types; a finalized output-text event
// additionally surfaces its transcript.
func normalizeRawModel(ev *Event, m map[string]any) {
	data, _ := m["data"].(map[string]any)
	ev.Raw = &RawModelEvent{}
	if data == nil {
		return
	}
	ev.Raw.Type = asString(data["type"])

	if ev.Raw.Type == "raw_server_event" {
		if payload := unwrapData(data["data"]); payload != nil {
			if asString(payload["type"]) == "response.output_text.done" {
				ev.Type = "response.output_text.done"
				ev.Transcript = asString(payload["text"])
			} else {
				ev.Type = asString(payload["type"])
				if resp, ok := payload["response"].(map[string]any); ok {
					ev.Response = parseResponse(resp)
				}
			}
		}
	}

	// Surface any transcript buried in the raw payload.
	if t, ok := data["transcript"].(string); ok {
		ev.Raw.Transcript = t
	}
	item, _ := firstOf(data, "item", "conversation_item").(map[string]any)
	if item != nil {
		if content, ok := item["content"].([]any); ok {
			for _, part := range content {
				pm, ok := part.(map[string]any)
				if !ok {
					continue
				}
				if t, ok := pm["transcript"].(string); ok {
					ev.Raw.Transcript = t
					break
				}
			}
		}
	}
}

// unwrapData walks nested {"data": {...}} wrappers until it reaches an
// object that carries its own type tag.
func unwrapData(v any) map[string]any {
	for {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		if _, hasType := m["type"]; hasType {
			return m
		}
		inner, ok := m["data"]
		if !ok {
			return m
		}
		v = inner
	}
}

func parseResponse(m map[string]any) *Response {
	resp := &Response{}
	if rest, err := json.Marshal(m); err == nil {
		resp.Rest = rest
	}
	if usage, ok := m["usage"].(map[string]any); ok {
		resp.Usage = &Usage{
			InputTokens:  asInt64(usage["input_tokens"]),
			OutputTokens: asInt64(usage["output_tokens"]),
		}
	}
	return resp
}

func sanitizeHistory(v any) []json.RawMessage {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		if raw := sanitizeItem(item); raw != nil {
			out = append(out, raw)
		}
	}
	return out
}

// sanitizeItem drops inline audio payloads from a history item while
// keeping transcripts, bounding what we buffer and forward.
func sanitizeItem(v any) json.RawMessage {
	item, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	content, ok := item["content"].([]any)
	if ok {
		cleaned := make([]any, 0, len(content))
		for _, part := range content {
			pm, ok := part.(map[string]any)
			if !ok {
				cleaned = append(cleaned, part)
				continue
			}
			t := asString(pm["type"])
			if t == "audio" || t == "input_audio" {
				copied := make(map[string]any, len(pm))
				for k, val := range pm {
					if k == "audio" {
						continue
					}
					copied[k] = val
				}
				pm = copied
			}
			cleaned = append(cleaned, pm)
		}
		replaced := make(map[string]any, len(item))
		for k, val := range item {
			replaced[k] = val
		}
		replaced["content"] = cleaned
		item = replaced
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return nil
	}
	return raw
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// nameOf accepts either a bare name or an object with a name field.
func nameOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		return asString(t["name"])
	default:
		return ""
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		n, _ := t.Int64()
		return n
	default:
		return 0
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "unknown error"
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}
