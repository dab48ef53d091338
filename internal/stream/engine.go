// Package stream consumes prompt responses from the remote agent service
// and folds them into an observable streaming state.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/threadsync/internal/domain"
	"github.com/ashureev/threadsync/internal/remote"
)

const (
	defaultEventBuffer = 64
	readChunkSize      = 32 << 10

	// ProcessingMessage is the synthesized event for single-document responses.
	ProcessingMessage = "Processing request"
)

// Opener opens a prompt stream. *remote.Client satisfies it.
type Opener interface {
	OpenPromptStream(ctx context.Context, p remote.PromptRequest) (*http.Response, error)
}

// Request identifies one prompt to stream.
type Request struct {
	Prompt   string
	TenantID string
	UserID   string
	ThreadID string
	Token    string
	Metadata map[string]any
}

func (r Request) validate() error {
	if r.TenantID == "" || r.UserID == "" {
		return domain.ErrSessionNotInitialized
	}
	if r.ThreadID == "" {
		return domain.ErrMissingThread
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return domain.ErrEmptyPrompt
	}
	return nil
}

// Result is the terminal outcome of one stream.
type Result struct {
	Status        domain.StreamStatus
	Events        []domain.AgentEvent
	FinalResponse *string
	Err           error
}

// Options configures an Engine.
type Options struct {
	// EventBuffer bounds each stream's event channel.
	EventBuffer int
	// Observer is called with a snapshot after every state change. Calls are
	// serialized and arrive in state order, on whichever goroutine made the
	// change. It must not block or call Start or Abort.
	Observer func(domain.StreamingState)
	Logger   *slog.Logger
	Now      func() time.Time
}

// Engine runs at most one prompt stream at a time.
type Engine struct {
	opener   Opener
	buffer   int
	observer func(domain.StreamingState)
	logger   *slog.Logger
	now      func() time.Time

	startMu sync.Mutex // serializes Start

	// notifyMu is held across a state change and its observer call.
	// Lock order: notifyMu, then mu.
	notifyMu sync.Mutex

	mu      sync.Mutex
	state   domain.StreamingState
	current *Stream // stream owning state, nil once finished or aborted
	last    *Stream // most recently started stream, possibly still draining
}

// NewEngine creates a stream engine.
func NewEngine(opener Opener, opts Options) *Engine {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		opener:   opener,
		buffer:   opts.EventBuffer,
		observer: opts.Observer,
		logger:   opts.Logger,
		now:      opts.Now,
		state:    domain.IdleState(),
	}
}

// Stream is one running prompt stream.
type Stream struct {
	events chan domain.AgentEvent
	done   chan struct{}
	cancel context.CancelFunc
	result Result
}

// Events delivers events in arrival order and is closed when the stream
// ends. Consumers must drain it or the stream stalls once the buffer fills.
func (s *Stream) Events() <-chan domain.AgentEvent {
	return s.events
}

// Wait blocks until the stream terminates and returns its result.
func (s *Stream) Wait() Result {
	<-s.done
	return s.result
}

// State returns a snapshot of the current streaming state.
func (e *Engine) State() domain.StreamingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// Start aborts any running stream, waits for it to wind down and starts a
// new one. Validation failures leave the state untouched.
func (e *Engine) Start(ctx context.Context, req Request) (*Stream, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	e.startMu.Lock()
	defer e.startMu.Unlock()

	e.mu.Lock()
	prev := e.last
	e.mu.Unlock()
	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan domain.AgentEvent, e.buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	e.transition(func() bool {
		e.current = s
		e.last = s
		e.state = domain.StreamingState{Status: domain.StatusConnecting, Events: []domain.AgentEvent{}}
		return true
	})

	go e.run(streamCtx, s, req)
	return s, nil
}

// Abort cancels the running stream and resets the state to idle. It is a
// no-op when no stream is active.
func (e *Engine) Abort() {
	var s *Stream
	e.transition(func() bool {
		s = e.current
		if s == nil {
			return false
		}
		e.current = nil
		e.state = domain.IdleState()
		return true
	})
	if s != nil {
		s.cancel()
	}
}

// Close aborts any running stream and waits for it to exit.
func (e *Engine) Close() {
	e.Abort()
	e.mu.Lock()
	last := e.last
	e.mu.Unlock()
	if last != nil {
		<-last.done
	}
}

// transition runs change under mu and, when it reports a change, hands the
// resulting snapshot to the observer before any other transition starts.
func (e *Engine) transition(change func() bool) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	if !change() {
		e.mu.Unlock()
		return
	}
	snap := e.state.Clone()
	e.mu.Unlock()

	if e.observer != nil {
		e.observer(snap)
	}
}

// update applies fn to the state if s still owns it.
func (e *Engine) update(s *Stream, fn func(*domain.StreamingState)) {
	e.transition(func() bool {
		if e.current != s {
			return false
		}
		fn(&e.state)
		return true
	})
}

// streamRun owns the stream's lifecycle.
type streamRun struct {
	engine    *Engine
	stream    *Stream
	events    []domain.AgentEvent
	candidate *string
	final     *string
}

func (e *Engine) run(ctx context.Context, s *Stream, req Request) {
	r := &streamRun{engine: e, stream: s}
	defer s.cancel()

	err := r.consume(ctx, req)
	r.finish(ctx, err)
}

func (r *streamRun) consume(ctx context.Context, req Request) error {
	resp, err := r.engine.opener.OpenPromptStream(ctx, remote.PromptRequest{
		Prompt:   req.Prompt,
		TenantID: req.TenantID,
		UserID:   req.UserID,
		ThreadID: req.ThreadID,
		Metadata: req.Metadata,
		Token:    req.Token,
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if isSingleDocument(resp.Header.Get("Content-Type")) {
		return r.consumeDocument(ctx, resp.Body)
	}

	r.engine.update(r.stream, func(st *domain.StreamingState) {
		st.Status = domain.StatusStreaming
	})
	return r.consumeLines(ctx, resp.Body)
}

func (r *streamRun) consumeDocument(ctx context.Context, body io.Reader) error {
	if !r.emit(ctx, domain.AgentEvent{
		Sender:    SystemSender,
		Message:   ProcessingMessage,
		State:     domain.DefaultEventState,
		Timestamp: r.engine.now(),
	}) {
		return ctx.Err()
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if answer, ok := singleDocumentAnswer(data); ok {
		r.final = &answer
	}
	return nil
}

func (r *streamRun) consumeLines(ctx context.Context, body io.Reader) error {
	var lb lineBuffer
	buf := make([]byte, readChunkSize)
	stalled := false

	handle := func(line string) {
		if stalled {
			return
		}
		if !r.handleLine(ctx, line) {
			stalled = true
		}
	}

	for {
		n, err := body.Read(buf)
		if n > 0 {
			lb.Feed(buf[:n], handle)
			if stalled {
				return ctx.Err()
			}
		}
		if errors.Is(err, io.EOF) {
			if line, ok := lb.Flush(); ok {
				handle(line)
			}
			if stalled {
				return ctx.Err()
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
	}
}

// handleLine applies one line. It returns false once the stream context
// is done and delivery has stopped.
func (r *streamRun) handleLine(ctx context.Context, line string) bool {
	p, err := ParseLine(line, r.engine.now)
	if err != nil {
		r.engine.logger.Warn("Skipping malformed stream line",
			"line_bytes", len(line), "error", err)
		return true
	}

	switch p.Kind {
	case PayloadEvent, PayloadFailure:
		return r.emit(ctx, p.Event)
	case PayloadText:
		text := p.Text
		r.candidate = &text
	case PayloadFinal:
		text := p.Text
		r.final = &text
	}
	return true
}

func (r *streamRun) emit(ctx context.Context, ev domain.AgentEvent) bool {
	r.events = append(r.events, ev)
	r.engine.update(r.stream, func(st *domain.StreamingState) {
		st.Events = append(st.Events, ev)
	})

	select {
	case r.stream.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *streamRun) finish(ctx context.Context, err error) {
	s := r.stream
	res := Result{Events: r.events}

	switch {
	case ctx.Err() != nil:
		res.Status = domain.StatusIdle
		res.Err = domain.ErrStreamAborted
		r.engine.transition(func() bool {
			if r.engine.current != s {
				return false
			}
			r.engine.current = nil
			r.engine.state = domain.IdleState()
			return true
		})

	case err != nil:
		msg := err.Error()
		res.Status = domain.StatusError
		res.Err = err
		r.engine.update(s, func(st *domain.StreamingState) {
			st.Status = domain.StatusError
			st.Error = &msg
		})
		r.engine.logger.Warn("Prompt stream failed", "error", err)

	default:
		final := r.final
		if final == nil {
			final = r.candidate
		}
		res.Status = domain.StatusCompleted
		res.FinalResponse = final
		r.engine.update(s, func(st *domain.StreamingState) {
			st.Status = domain.StatusCompleted
			st.FinalResponse = final
		})
	}

	r.engine.mu.Lock()
	if r.engine.current == s {
		r.engine.current = nil
	}
	r.engine.mu.Unlock()

	s.result = res
	close(s.events)
	close(s.done)
}
