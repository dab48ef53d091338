package domain

import "time"

// StreamStatus is the lifecycle phase of one prompt stream.
type StreamStatus string

const (
	StatusIdle       StreamStatus = "idle"
	StatusConnecting StreamStatus = "connecting"
	StatusStreaming  StreamStatus = "streaming"
	StatusCompleted  StreamStatus = "completed"
	StatusError      StreamStatus = "error"
)

// DefaultEventState is applied to events that arrive without a state.
const DefaultEventState = "PROCESSING"

// AgentEvent is one intermediate step reported while a prompt is answered.
type AgentEvent struct {
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver,omitempty"`
	Message   string    `json:"message"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// Activity converts the live event into its stored form.
func (e AgentEvent) Activity() AgentActivityEvent {
	return AgentActivityEvent{
		Sender:   e.Sender,
		Receiver: e.Receiver,
		Message:  e.Message,
		State:    e.State,
	}
}

// ActivityFromEvents converts events for storage. Returns nil for no events.
func ActivityFromEvents(events []AgentEvent) []AgentActivityEvent {
	if len(events) == 0 {
		return nil
	}
	out := make([]AgentActivityEvent, len(events))
	for i, e := range events {
		out[i] = e.Activity()
	}
	return out
}

// StreamingState is the observable state of the stream engine.
type StreamingState struct {
	Status        StreamStatus `json:"status"`
	Events        []AgentEvent `json:"events"`
	FinalResponse *string      `json:"final_response"`
	Error         *string      `json:"error"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s StreamingState) Clone() StreamingState {
	out := StreamingState{Status: s.Status}
	if s.Events != nil {
		out.Events = append([]AgentEvent(nil), s.Events...)
	}
	if s.FinalResponse != nil {
		v := *s.FinalResponse
		out.FinalResponse = &v
	}
	if s.Error != nil {
		v := *s.Error
		out.Error = &v
	}
	return out
}

// IdleState returns the zero lifecycle state.
func IdleState() StreamingState {
	return StreamingState{Status: StatusIdle}
}
