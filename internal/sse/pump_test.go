package sse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/InsulaLabs/agentgate/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dataFrames(body string) []models.Event {
	var out []models.Event
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e models.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err == nil {
			out = append(out, e)
		}
	}
	return out
}

func testPumpOptions() PumpOptions {
	return PumpOptions{
		DisconnectCheck: 20 * time.Millisecond,
		KeepAlive:       time.Minute,
		Logger:          discardLogger(),
	}
}

func TestPumpEndsOnDesiredState(t *testing.T) {
	m := NewManager(discardLogger(), NewMemoryStore(discardLogger(), Bounds{}))
	m.Enqueue(models.Event{Topic: "connections", WalletID: "w1", Payload: map[string]any{"state": "request", "connection_id": "c1"}})
	m.Enqueue(models.Event{Topic: "connections", WalletID: "w1", Payload: map[string]any{"state": "completed", "connection_id": "c1"}})
	m.Enqueue(models.Event{Topic: "connections", WalletID: "w1", Payload: map[string]any{"state": "completed", "connection_id": "c2"}})

	s, err := m.Open("w1", "connections")
	require.NoError(t, err)
	defer s.Close()

	rec := httptest.NewRecorder()
	err = Pump(context.Background(), rec, s, NewMatcher("connections", Filter{DesiredState: "completed"}, time.Minute), testPumpOptions())
	require.NoError(t, err)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	frames := dataFrames(rec.Body.String())
	require.Len(t, frames, 1)
	assert.Equal(t, "c1", frames[0].Payload["connection_id"])

	// The event after the match stays queued for whoever comes next.
	s.Close()
	assert.Equal(t, 1, m.Pending(Key{"w1", "connections"}))
}

func TestPumpStreamsUntilDisconnect(t *testing.T) {
	m := NewManager(discardLogger(), NewMemoryStore(discardLogger(), Bounds{}))
	s, err := m.Open("w1", models.TopicAll)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	rec := httptest.NewRecorder()
	done := make(chan error, 1)
	go func() {
		done <- Pump(ctx, rec, s, NewMatcher(models.TopicAll, Filter{}, time.Minute), testPumpOptions())
	}()

	m.Enqueue(models.Event{Topic: "connections", WalletID: "w1", Payload: map[string]any{"n": 1}})
	m.Enqueue(models.Event{Topic: "proofs", WalletID: "w1", Payload: map[string]any{"n": 2}})
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Pump did not notice the disconnect")
	}

	frames := dataFrames(rec.Body.String())
	require.Len(t, frames, 2)
	assert.Equal(t, "connections", frames[0].Topic)
	assert.Equal(t, "proofs", frames[1].Topic)
}

func TestPumpMaxDurationAndKeepAlive(t *testing.T) {
	m := NewManager(discardLogger(), NewMemoryStore(discardLogger(), Bounds{}))
	s, err := m.Open("w1", "connections")
	require.NoError(t, err)
	defer s.Close()

	opts := testPumpOptions()
	opts.KeepAlive = 20 * time.Millisecond
	opts.MaxDuration = 150 * time.Millisecond

	rec := httptest.NewRecorder()
	start := time.Now()
	err = Pump(context.Background(), rec, s, NewMatcher("connections", Filter{DesiredState: "completed"}, time.Minute), opts)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), opts.MaxDuration)
	assert.Contains(t, rec.Body.String(), ": ping")
	assert.Empty(t, dataFrames(rec.Body.String()))
}

// stalledWriter accepts headers but blocks every body write until its write
// deadline passes, like a client that stopped reading.
type stalledWriter struct {
	header http.Header

	mu        sync.Mutex
	deadlines []time.Time
}

func (w *stalledWriter) Header() http.Header { return w.header }
func (w *stalledWriter) WriteHeader(int)     {}
func (w *stalledWriter) Flush()              {}

func (w *stalledWriter) SetWriteDeadline(t time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deadlines = append(w.deadlines, t)
	return nil
}

func (w *stalledWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	var deadline time.Time
	if n := len(w.deadlines); n > 0 {
		deadline = w.deadlines[n-1]
	}
	w.mu.Unlock()
	if deadline.IsZero() {
		select {}
	}
	time.Sleep(time.Until(deadline))
	return 0, os.ErrDeadlineExceeded
}

func TestPumpGivesUpOnStalledClient(t *testing.T) {
	m := NewManager(discardLogger(), NewMemoryStore(discardLogger(), Bounds{}))
	s, err := m.Open("w1", "connections")
	require.NoError(t, err)
	defer s.Close()
	m.Enqueue(models.Event{Topic: "connections", WalletID: "w1", Payload: map[string]any{"n": 1}})

	w := &stalledWriter{header: http.Header{}}
	done := make(chan error, 1)
	go func() {
		done <- Pump(context.Background(), w, s, NewMatcher("connections", Filter{}, time.Minute), testPumpOptions())
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Pump() blocked on a client that stopped reading")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	require.NotEmpty(t, w.deadlines)
	assert.True(t, w.deadlines[len(w.deadlines)-1].IsZero(), "deadline cleared on return")
}
