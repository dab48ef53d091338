package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/threadsync/internal/domain"
	"github.com/ashureev/threadsync/internal/remote"
	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

const quotingPayload = "{\"content\":\"{\\\"sender\\\":\\\"Rate\\\",\\\"message\\\":\\\"quoting\\\"}\"}\n" +
	"{\"content\":\"Final answer text\"}"

func TestEngineQuotingExample(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	e := NewEngine(ndjsonOpener(quotingPayload), Options{Now: clock, Observer: rec.observe})
	s, err := e.Start(context.Background(), validRequest)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	events, res := drain(s)

	want := []domain.AgentEvent{{Sender: "Rate", Message: "quoting", State: "PROCESSING", Timestamp: fixedNow}}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if res.Status != domain.StatusCompleted || res.Err != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.FinalResponse == nil || *res.FinalResponse != "Final answer text" {
		t.Fatalf("final response = %v", res.FinalResponse)
	}

	state := e.State()
	if state.Status != domain.StatusCompleted {
		t.Fatalf("state status = %s", state.Status)
	}
	if diff := cmp.Diff(want, state.Events); diff != "" {
		t.Fatalf("state events mismatch (-want +got):\n%s", diff)
	}
	if state.FinalResponse == nil || *state.FinalResponse != "Final answer text" {
		t.Fatalf("state final response = %v", state.FinalResponse)
	}

	wantStatuses := []domain.StreamStatus{domain.StatusConnecting, domain.StatusStreaming, domain.StatusCompleted}
	if got := rec.statuses(); !statusesEqual(got, wantStatuses) {
		t.Fatalf("statuses = %v, want %v", got, wantStatuses)
	}
}

func TestEngineChunkBoundaryIndependence(t *testing.T) {
	t.Parallel()

	payload := "{\"content\":{\"sender\":\"Supervisor\",\"receiver\":\"Rate\",\"message\":\"delegating\"}}\n" +
		"garbage line\n" +
		quotingPayload + "\n" +
		"{\"content\":\"{'sender':'Booking','message':'done','state':'COMPLETED'}\"}\n"

	wantEvents, wantRes, _ := runEngine(t, ndjsonOpener(payload))
	if len(wantEvents) != 3 {
		t.Fatalf("expected 3 events from whole payload, got %d", len(wantEvents))
	}

	ignoreTime := cmpopts.IgnoreFields(domain.AgentEvent{}, "Timestamp")
	for i := 1; i < len(payload); i++ {
		events, res, _ := runEngine(t, ndjsonOpener(payload, i))
		if diff := cmp.Diff(wantEvents, events, ignoreTime); diff != "" {
			t.Fatalf("split at %d changed events (-want +got):\n%s", i, diff)
		}
		if res.Status != wantRes.Status || *res.FinalResponse != *wantRes.FinalResponse {
			t.Fatalf("split at %d changed result: %+v", i, res)
		}
	}
}

func TestEngineExplicitFinalWins(t *testing.T) {
	t.Parallel()

	payload := "{\"content\":\"candidate one\"}\n" +
		"{\"final_response\":\"the real answer\"}\n" +
		"{\"content\":\"candidate two\"}\n"
	_, res, _ := runEngine(t, ndjsonOpener(payload))
	if res.FinalResponse == nil || *res.FinalResponse != "the real answer" {
		t.Fatalf("final response = %v", res.FinalResponse)
	}
}

func TestEngineCompletesWithoutAnswer(t *testing.T) {
	t.Parallel()

	payload := "{\"content\":{\"sender\":\"Rate\",\"message\":\"thinking\"}}\n"
	events, res, e := runEngine(t, ndjsonOpener(payload))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if res.Status != domain.StatusCompleted || res.FinalResponse != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if st := e.State(); st.FinalResponse != nil || st.Status != domain.StatusCompleted {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestEngineInBandErrorIsAnEvent(t *testing.T) {
	t.Parallel()

	payload := "{\"error\":\"tool failed\"}\n{\"content\":\"recovered\"}\n"
	events, res, _ := runEngine(t, ndjsonOpener(payload))
	if len(events) != 1 || events[0].State != "ERROR" || events[0].Sender != SystemSender {
		t.Fatalf("unexpected events: %+v", events)
	}
	if res.Status != domain.StatusCompleted || *res.FinalResponse != "recovered" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestEngineSingleDocument(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	opener := &chunkOpener{
		contentType: "application/json; charset=utf-8",
		chunks:      [][]byte{[]byte(`{"response":"Quote: $120"}`)},
	}
	e := NewEngine(opener, Options{Now: clock, Observer: rec.observe})
	s, err := e.Start(context.Background(), validRequest)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	events, res := drain(s)

	if len(events) != 1 || events[0].Message != ProcessingMessage {
		t.Fatalf("expected synthesized processing event, got %+v", events)
	}
	if res.Status != domain.StatusCompleted || *res.FinalResponse != "Quote: $120" {
		t.Fatalf("unexpected result: %+v", res)
	}
	wantStatuses := []domain.StreamStatus{domain.StatusConnecting, domain.StatusCompleted}
	if got := rec.statuses(); !statusesEqual(got, wantStatuses) {
		t.Fatalf("statuses = %v, want %v", got, wantStatuses)
	}
}

func TestEngineHTTPError(t *testing.T) {
	t.Parallel()

	opener := &chunkOpener{err: &remote.HTTPError{StatusCode: 500, Body: "boom"}}
	events, res, e := runEngine(t, opener)
	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
	var httpErr *remote.HTTPError
	if res.Status != domain.StatusError || !errors.As(res.Err, &httpErr) {
		t.Fatalf("unexpected result: %+v", res)
	}
	st := e.State()
	if st.Status != domain.StatusError || st.Error == nil || *st.Error != "HTTP 500: boom" {
		t.Fatalf("unexpected state: %+v", st)
	}
}

type failingBody struct{}

func (failingBody) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }
func (failingBody) Close() error             { return nil }

type failingOpener struct{}

func (failingOpener) OpenPromptStream(context.Context, remote.PromptRequest) (*http.Response, error) {
	return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: failingBody{}}, nil
}

func TestEngineTransportError(t *testing.T) {
	t.Parallel()

	_, res, e := runEngine(t, failingOpener{})
	if res.Status != domain.StatusError {
		t.Fatalf("expected error status, got %+v", res)
	}
	st := e.State()
	if st.Status != domain.StatusError || st.Error == nil {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestEngineValidation(t *testing.T) {
	t.Parallel()

	opener := &chunkOpener{}
	e := NewEngine(opener, Options{})

	tests := []struct {
		req  Request
		want error
	}{
		{req: Request{Prompt: "x", ThreadID: "t1"}, want: domain.ErrSessionNotInitialized},
		{req: Request{Prompt: "x", TenantID: "a", UserID: "b"}, want: domain.ErrMissingThread},
		{req: Request{Prompt: "  ", TenantID: "a", UserID: "b", ThreadID: "t1"}, want: domain.ErrEmptyPrompt},
	}
	for _, tt := range tests {
		if _, err := e.Start(context.Background(), tt.req); !errors.Is(err, tt.want) {
			t.Errorf("Start(%+v) error = %v, want %v", tt.req, err, tt.want)
		}
	}
	if st := e.State(); st.Status != domain.StatusIdle {
		t.Fatalf("validation failure changed state: %+v", st)
	}
	if len(opener.requests) != 0 {
		t.Fatalf("validation failure opened %d requests", len(opener.requests))
	}
}

func TestEngineAbort(t *testing.T) {
	t.Parallel()

	opener := &chunkOpener{
		contentType: "application/x-ndjson",
		chunks:      [][]byte{[]byte("{\"content\":{\"sender\":\"Rate\",\"message\":\"quoting\"}}\n")},
		block:       true,
	}
	e := NewEngine(opener, Options{Now: clock})
	s, err := e.Start(context.Background(), validRequest)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-s.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first event")
	}

	e.Abort()
	if st := e.State(); st.Status != domain.StatusIdle {
		t.Fatalf("status after abort = %s", st.Status)
	}
	_, res := drain(s)
	if !errors.Is(res.Err, domain.ErrStreamAborted) || res.Status != domain.StatusIdle {
		t.Fatalf("unexpected result after abort: %+v", res)
	}
	if st := e.State(); st.Status != domain.StatusIdle {
		t.Fatalf("status after stream exit = %s", st.Status)
	}

	// Idempotent.
	e.Abort()
	e.Abort()

	next, err := e.Start(context.Background(), validRequest)
	if err != nil {
		t.Fatalf("Start after abort failed: %v", err)
	}
	e.Close()
	drain(next)
}

func TestEngineAbortWithNothingActive(t *testing.T) {
	t.Parallel()

	_, _, e := runEngine(t, ndjsonOpener(quotingPayload))
	e.Abort()
	if st := e.State(); st.Status != domain.StatusCompleted {
		t.Fatalf("abort after completion changed status to %s", st.Status)
	}
}

func TestEngineObserverOrderSurvivesAbort(t *testing.T) {
	t.Parallel()

	held := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rec := &recorder{}
	observer := func(st domain.StreamingState) {
		rec.observe(st)
		if st.Status == domain.StatusStreaming && len(st.Events) > 0 {
			once.Do(func() {
				close(held)
				<-release
			})
		}
	}

	opener := &chunkOpener{
		contentType: "application/x-ndjson",
		chunks:      [][]byte{[]byte("{\"content\":{\"sender\":\"Rate\",\"message\":\"quoting\"}}\n")},
		block:       true,
	}
	e := NewEngine(opener, Options{Now: clock, Observer: observer})
	s, err := e.Start(context.Background(), validRequest)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	results := make(chan Result, 1)
	go func() {
		_, res := drain(s)
		results <- res
	}()

	select {
	case <-held:
	case <-time.After(5 * time.Second):
		t.Fatal("observer never saw the first event")
	}

	aborted := make(chan struct{})
	go func() {
		e.Abort()
		close(aborted)
	}()
	select {
	case <-aborted:
		t.Fatal("Abort finished while an earlier snapshot was still being delivered")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-aborted

	if res := <-results; !errors.Is(res.Err, domain.ErrStreamAborted) {
		t.Fatalf("unexpected result: %+v", res)
	}
	want := []domain.StreamStatus{domain.StatusConnecting, domain.StatusStreaming, domain.StatusIdle}
	if got := rec.statuses(); !statusesEqual(got, want) {
		t.Fatalf("observer statuses = %v, want %v", got, want)
	}
	if st := e.State(); st.Status != domain.StatusIdle {
		t.Fatalf("engine status = %s", st.Status)
	}
}

func TestEngineStartAbortsPredecessor(t *testing.T) {
	t.Parallel()

	blocking := &chunkOpener{
		contentType: "application/x-ndjson",
		block:       true,
		opened:      make(chan struct{}, 1),
	}
	e := NewEngine(blocking, Options{Now: clock})
	first, err := e.Start(context.Background(), validRequest)
	if err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	<-blocking.opened

	e.opener = ndjsonOpener(quotingPayload)
	second, err := e.Start(context.Background(), validRequest)
	if err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	select {
	case <-first.done:
	default:
		t.Fatal("predecessor still running after second Start returned")
	}
	if res := first.Wait(); !errors.Is(res.Err, domain.ErrStreamAborted) {
		t.Fatalf("predecessor result: %+v", res)
	}

	_, res := drain(second)
	if res.Status != domain.StatusCompleted {
		t.Fatalf("second stream result: %+v", res)
	}
	if st := e.State(); st.Status != domain.StatusCompleted {
		t.Fatalf("state = %s", st.Status)
	}
}

func TestEngineCallerContextCancel(t *testing.T) {
	t.Parallel()

	opener := &chunkOpener{contentType: "application/x-ndjson", block: true, opened: make(chan struct{}, 1)}
	e := NewEngine(opener, Options{Now: clock})
	ctx, cancel := context.WithCancel(context.Background())
	s, err := e.Start(ctx, validRequest)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-opener.opened
	cancel()
	_, res := drain(s)
	if !errors.Is(res.Err, domain.ErrStreamAborted) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if st := e.State(); st.Status != domain.StatusIdle {
		t.Fatalf("state = %s", st.Status)
	}
}

func TestEngineOverHTTP(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	r.Post("/agent/prompt/stream", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, "{\"content\":{\"sender\":\"Rate\",")
		flusher.Flush()
		_, _ = io.WriteString(w, "\"message\":\"quoting\"}}\n{\"content\":\"Done")
		flusher.Flush()
		_, _ = io.WriteString(w, "\"}\n")
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client, err := remote.New(remote.Config{
		BaseURL:    srv.URL,
		HTTPClient: &http.Client{Transport: &http.Transport{DisableKeepAlives: true}},
	}, nil)
	if err != nil {
		t.Fatalf("remote.New failed: %v", err)
	}

	events, res, _ := runEngine(t, client)
	if len(events) != 1 || events[0].Sender != "Rate" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if res.Status != domain.StatusCompleted || *res.FinalResponse != "Done" {
		t.Fatalf("unexpected result: %+v", res)
	}
}
