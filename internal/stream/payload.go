package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/threadsync/internal/domain"
	"github.com/ashureev/threadsync/internal/remote"
)

// ErrMalformedLine marks a stream line that could not be decoded.
var ErrMalformedLine = errors.New("malformed stream line")

// PayloadKind tags the decoded shape of one stream line.
type PayloadKind int

const (
	// PayloadSkip carries nothing: blank lines, framing, empty content.
	PayloadSkip PayloadKind = iota
	// PayloadEvent carries a structured agent event.
	PayloadEvent
	// PayloadText carries opaque text, a final answer candidate.
	PayloadText
	// PayloadFinal carries an explicit final answer.
	PayloadFinal
	// PayloadFailure carries an error reported in-band by the remote.
	PayloadFailure
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadEvent:
		return "event"
	case PayloadText:
		return "text"
	case PayloadFinal:
		return "final"
	case PayloadFailure:
		return "failure"
	default:
		return "skip"
	}
}

// Payload is the tagged union produced by ParseLine.
type Payload struct {
	Kind  PayloadKind
	Event domain.AgentEvent
	Text  string
}

// SystemSender names events synthesized locally or reported as in-band errors.
const SystemSender = "System"

// eventObject is the strict schema of a structured agent event.
type eventObject struct {
	Sender    *string         `json:"sender"`
	Receiver  string          `json:"receiver"`
	Message   *string         `json:"message"`
	State     string          `json:"state"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// ParseLine decodes one complete stream line.
func ParseLine(line string, now func() time.Time) (Payload, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Payload{}, nil
	}

	// Tolerate event-stream framing.
	switch {
	case strings.HasPrefix(line, "data:"):
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if line == "" || line == "[DONE]" {
			return Payload{}, nil
		}
	case strings.HasPrefix(line, ":"),
		strings.HasPrefix(line, "event:"),
		strings.HasPrefix(line, "id:"),
		strings.HasPrefix(line, "retry:"):
		return Payload{}, nil
	}

	raw := []byte(line)
	if !json.Valid(raw) {
		return Payload{}, fmt.Errorf("%w: invalid JSON", ErrMalformedLine)
	}

	switch raw[0] {
	case '{':
		return parseEnvelope(raw, now)
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
		}
		return parseString(s, now), nil
	default:
		return Payload{}, fmt.Errorf("%w: unexpected JSON %s", ErrMalformedLine, kindOf(raw))
	}
}

func parseEnvelope(raw []byte, now func() time.Time) (Payload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}

	if v, ok := fields["final_response"]; ok && !isNull(v) {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return Payload{}, fmt.Errorf("%w: final_response: %v", ErrMalformedLine, err)
		}
		return Payload{Kind: PayloadFinal, Text: s}, nil
	}

	if v, ok := fields["error"]; ok && !isNull(v) {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			s = string(v)
		}
		return Payload{Kind: PayloadFailure, Event: domain.AgentEvent{
			Sender:    SystemSender,
			Message:   s,
			State:     "ERROR",
			Timestamp: now(),
		}}, nil
	}

	for _, key := range []string{"content", "event"} {
		if v, ok := fields[key]; ok {
			return parseContent(v, now)
		}
	}

	if _, ok := fields["sender"]; ok {
		ev, err := decodeEvent(raw, now)
		if err != nil {
			return Payload{}, err
		}
		return Payload{Kind: PayloadEvent, Event: ev}, nil
	}

	return Payload{}, fmt.Errorf("%w: no content field", ErrMalformedLine)
}

func parseContent(v json.RawMessage, now func() time.Time) (Payload, error) {
	v = bytes.TrimSpace(v)
	if isNull(v) {
		return Payload{}, nil
	}

	switch v[0] {
	case '{':
		ev, err := decodeEvent(v, now)
		if err != nil {
			return Payload{}, err
		}
		return Payload{Kind: PayloadEvent, Event: ev}, nil
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return Payload{}, fmt.Errorf("%w: content: %v", ErrMalformedLine, err)
		}
		return parseString(s, now), nil
	default:
		return Payload{}, fmt.Errorf("%w: content is %s", ErrMalformedLine, kindOf(v))
	}
}

// parseString handles a content string: an embedded JSON event (a second
// parse pass, tolerating single quotes) or opaque text.
func parseString(s string, now func() time.Time) Payload {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Payload{}
	}

	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		if ev, err := decodeEvent([]byte(trimmed), now); err == nil {
			return Payload{Kind: PayloadEvent, Event: ev}
		}
		requoted := strings.ReplaceAll(trimmed, "'", `"`)
		if ev, err := decodeEvent([]byte(requoted), now); err == nil {
			return Payload{Kind: PayloadEvent, Event: ev}
		}
	}
	return Payload{Kind: PayloadText, Text: s}
}

func decodeEvent(raw []byte, now func() time.Time) (domain.AgentEvent, error) {
	var obj eventObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return domain.AgentEvent{}, fmt.Errorf("%w: event: %v", ErrMalformedLine, err)
	}
	if obj.Sender == nil || obj.Message == nil {
		return domain.AgentEvent{}, fmt.Errorf("%w: event requires sender and message", ErrMalformedLine)
	}

	ev := domain.AgentEvent{
		Sender:    *obj.Sender,
		Receiver:  obj.Receiver,
		Message:   *obj.Message,
		State:     obj.State,
		Timestamp: eventTime(obj.Timestamp, now),
	}
	if ev.State == "" {
		ev.State = domain.DefaultEventState
	}
	return ev, nil
}

// eventTime falls back to now for absent or unparseable timestamps.
func eventTime(raw json.RawMessage, now func() time.Time) time.Time {
	if len(raw) == 0 {
		return now()
	}
	var ts remote.Timestamp
	if err := ts.UnmarshalJSON(raw); err != nil || ts.Time.IsZero() {
		return now()
	}
	return ts.Time
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func kindOf(v json.RawMessage) string {
	switch v[0] {
	case '[':
		return "an array"
	case 't', 'f':
		return "a boolean"
	default:
		return "a number"
	}
}

// singleDocumentAnswer extracts the answer from a non-incremental response.
func singleDocumentAnswer(body []byte) (string, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", false
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s, true
		}
	}

	if trimmed[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err == nil {
			for _, key := range []string{"response", "final_response", "content", "message"} {
				v, ok := fields[key]
				if !ok {
					continue
				}
				var s string
				if err := json.Unmarshal(v, &s); err == nil {
					return s, true
				}
			}
		}
	}

	return string(trimmed), true
}

// incrementalMarkers identify framings parsed line by line even when the
// content type also mentions JSON.
var incrementalMarkers = []string{"ndjson", "jsonl", "json-seq", "event-stream", "stream+json"}

// isSingleDocument reports whether a content type carries one JSON document.
func isSingleDocument(contentType string) bool {
	ct := strings.ToLower(contentType)
	if !strings.Contains(ct, "application/json") {
		return false
	}
	for _, m := range incrementalMarkers {
		if strings.Contains(ct, m) {
			return false
		}
	}
	return true
}
