package stream

import (
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/threadsync/internal/domain"
	"github.com/ashureev/threadsync/internal/remote"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

// chunkOpener serves a canned body split into the given chunks.
type chunkOpener struct {
	contentType string
	chunks      [][]byte
	// block keeps the body open after the last chunk until ctx is done.
	block bool
	err   error

	mu       sync.Mutex
	requests []remote.PromptRequest
	opened   chan struct{}
}

func (o *chunkOpener) OpenPromptStream(ctx context.Context, p remote.PromptRequest) (*http.Response, error) {
	o.mu.Lock()
	o.requests = append(o.requests, p)
	o.mu.Unlock()
	if o.opened != nil {
		select {
		case o.opened <- struct{}{}:
		default:
		}
	}
	if o.err != nil {
		return nil, o.err
	}

	chunks := make([][]byte, len(o.chunks))
	for i, c := range o.chunks {
		chunks[i] = append([]byte(nil), c...)
	}
	header := http.Header{}
	if o.contentType != "" {
		header.Set("Content-Type", o.contentType)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       &chunkBody{ctx: ctx, chunks: chunks, block: o.block},
	}, nil
}

type chunkBody struct {
	ctx    context.Context
	chunks [][]byte
	block  bool
}

func (b *chunkBody) Read(p []byte) (int, error) {
	if err := b.ctx.Err(); err != nil {
		return 0, err
	}
	if len(b.chunks) == 0 {
		if b.block {
			<-b.ctx.Done()
			return 0, b.ctx.Err()
		}
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	b.chunks[0] = b.chunks[0][n:]
	if len(b.chunks[0]) == 0 {
		b.chunks = b.chunks[1:]
	}
	return n, nil
}

func (b *chunkBody) Close() error { return nil }

func ndjsonOpener(body string, splits ...int) *chunkOpener {
	var chunks [][]byte
	prev := 0
	for _, s := range splits {
		chunks = append(chunks, []byte(body[prev:s]))
		prev = s
	}
	chunks = append(chunks, []byte(body[prev:]))
	return &chunkOpener{contentType: "application/x-ndjson", chunks: chunks}
}

var validRequest = Request{Prompt: "quote please", TenantID: "tenant-1", UserID: "user-1", ThreadID: "t1"}

// recorder collects observer snapshots.
type recorder struct {
	mu     sync.Mutex
	states []domain.StreamingState
}

func (r *recorder) observe(s domain.StreamingState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) statuses() []domain.StreamStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.StreamStatus
	for _, s := range r.states {
		if len(out) == 0 || out[len(out)-1] != s.Status {
			out = append(out, s.Status)
		}
	}
	return out
}

func drain(s *Stream) ([]domain.AgentEvent, Result) {
	var events []domain.AgentEvent
	for ev := range s.Events() {
		events = append(events, ev)
	}
	return events, s.Wait()
}

func runEngine(t *testing.T, opener Opener) ([]domain.AgentEvent, Result, *Engine) {
	t.Helper()
	e := NewEngine(opener, Options{Now: clock})
	s, err := e.Start(context.Background(), validRequest)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	events, res := drain(s)
	return events, res, e
}

func statusesEqual(a, b []domain.StreamStatus) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
