package assignment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"castplane/internal/castplane"
)

type fakeStore struct {
	mu         sync.Mutex
	current    map[castplane.RendererID]*castplane.Assignment
	controlURL map[castplane.RendererID]string
	genSeq     uint64
	active     []castplane.RendererID
	failed     []castplane.RendererID
	supervised []castplane.RendererID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		current:    make(map[castplane.RendererID]*castplane.Assignment),
		controlURL: make(map[castplane.RendererID]string),
	}
}

func (s *fakeStore) BeginAssign(id castplane.RendererID, next castplane.Assignment) (*castplane.Assignment, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.current[id]; ok && cur.Priority > next.Priority {
		return cur, 0, false
	}
	s.genSeq++
	gen := s.genSeq
	cp := next
	cp.Generation = gen
	s.current[id] = &cp
	return nil, gen, true
}

func (s *fakeStore) CurrentGeneration(id castplane.RendererID) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.current[id]
	if !ok {
		return 0, false
	}
	return a.Generation, true
}

func (s *fakeStore) CommitActive(id castplane.RendererID, mediaURL string, generation uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.current[id]
	if !ok || a.Generation != generation {
		return false
	}
	s.active = append(s.active, id)
	a.State = castplane.AssignmentActive
	a.MediaURL = mediaURL
	return true
}

func (s *fakeStore) CommitFailed(id castplane.RendererID, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.current[id]; ok && a.Generation != generation {
		return
	}
	s.failed = append(s.failed, id)
}

func (s *fakeStore) ControlURLFor(id castplane.RendererID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.controlURL[id]
	return u, ok
}

func (s *fakeStore) RequestSupervision(id castplane.RendererID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supervised = append(s.supervised, id)
}

type fakeMedia struct{}

func (fakeMedia) Publish(v castplane.VideoSnapshot) (string, string, error) {
	return "http://host/" + string(v.ID), "tok", nil
}

type fakeControl struct {
	playErr  error
	playing  bool
	setCalls int
}

func (c *fakeControl) SetAVTransportURI(ctx context.Context, uri, metadataDIDL string) error {
	c.setCalls++
	return nil
}
func (c *fakeControl) Play(ctx context.Context) error { return c.playErr }
func (c *fakeControl) GetTransportInfo(ctx context.Context) (castplane.TransportState, error) {
	if c.playing {
		return castplane.TransportPlaying, nil
	}
	return castplane.TransportStopped, nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []castplane.Event
}

func (s *fakeSink) Publish(evt castplane.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *fakeSink) snapshot() []castplane.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]castplane.Event, len(s.events))
	copy(out, s.events)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestAssignActivatesOnSuccess(t *testing.T) {
	store := newFakeStore()
	store.controlURL["r1"] = "http://renderer/control"
	control := &fakeControl{playing: true}
	sink := &fakeSink{}

	eng := New(testLogger(), store, fakeMedia{}, func(string) RendererControl { return control }, sink, Config{
		RetryBaseMS: 10, RetryCapMS: 100, RetryMaxAttempts: 3, ActivationTimeout: time.Second,
	})

	err := eng.Assign(context.Background(), "r1", castplane.VideoSnapshot{ID: "v1"}, 10, true)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.active) == 1
	})

	events := sink.snapshot()
	if len(events) != 1 || events[0].Kind != castplane.EventPlaybackStarted {
		t.Fatalf("expected one playback_started event, got %+v", events)
	}
}

func TestAssignRejectsLowerPriority(t *testing.T) {
	store := newFakeStore()
	store.controlURL["r1"] = "http://renderer/control"
	store.current["r1"] = &castplane.Assignment{RendererID: "r1", Priority: 100}

	eng := New(testLogger(), store, fakeMedia{}, func(string) RendererControl { return &fakeControl{playing: true} }, &fakeSink{}, Config{
		RetryBaseMS: 10, RetryCapMS: 100, RetryMaxAttempts: 3, ActivationTimeout: time.Second,
	})

	err := eng.Assign(context.Background(), "r1", castplane.VideoSnapshot{ID: "v1"}, 5, false)
	if !castplane.IsPreempted(err) {
		t.Fatalf("expected Preempted error, got %v", err)
	}
}

func TestActivationFailureRetriesThenFails(t *testing.T) {
	store := newFakeStore()
	store.controlURL["r1"] = "http://renderer/control"
	control := &fakeControl{playErr: errors.New("renderer busy")}
	sink := &fakeSink{}

	eng := New(testLogger(), store, fakeMedia{}, func(string) RendererControl { return control }, sink, Config{
		RetryBaseMS: 1, RetryCapMS: 5, RetryMaxAttempts: 1, ActivationTimeout: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go eng.RunScheduler(ctx)

	if err := eng.Assign(ctx, "r1", castplane.VideoSnapshot{ID: "v1"}, 10, false); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.failed) == 1
	})
}

// sequencedControl lets a test fail exactly the first Play call and succeed
// every call after, to force a low-priority assignment onto the retry path
// while later calls (including the retry itself) would otherwise succeed.
type sequencedControl struct {
	mu        sync.Mutex
	failFirst bool
	calls     int
}

func (c *sequencedControl) playCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *sequencedControl) SetAVTransportURI(ctx context.Context, uri, metadataDIDL string) error {
	return nil
}

func (c *sequencedControl) Play(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failFirst && c.calls == 1 {
		return errors.New("renderer busy")
	}
	return nil
}

func (c *sequencedControl) GetTransportInfo(ctx context.Context) (castplane.TransportState, error) {
	return castplane.TransportPlaying, nil
}

// TestStaleRetryDoesNotClobberNewerAssignment covers the preemption race: a
// low-priority assignment's first activation fails and queues a retry, a
// higher-priority assignment for the same renderer then supersedes it and
// activates successfully, and the stale retry must not be allowed to
// overwrite the higher-priority assignment's committed state when it
// eventually fires.
func TestStaleRetryDoesNotClobberNewerAssignment(t *testing.T) {
	store := newFakeStore()
	store.controlURL["r1"] = "http://renderer/control"
	control := &sequencedControl{failFirst: true}
	sink := &fakeSink{}

	eng := New(testLogger(), store, fakeMedia{}, func(string) RendererControl { return control }, sink, Config{
		RetryBaseMS: 20, RetryCapMS: 50, RetryMaxAttempts: 3, ActivationTimeout: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go eng.RunScheduler(ctx)

	if err := eng.Assign(ctx, "r1", castplane.VideoSnapshot{ID: "low"}, 5, false); err != nil {
		t.Fatalf("Assign low priority: %v", err)
	}
	waitFor(t, time.Second, func() bool { return control.playCalls() == 1 })

	if err := eng.Assign(ctx, "r1", castplane.VideoSnapshot{ID: "high"}, 10, false); err != nil {
		t.Fatalf("Assign high priority: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		a, ok := store.current["r1"]
		return ok && a.State == castplane.AssignmentActive && a.MediaURL == "http://host/high"
	})

	// Give the superseded retry time to fire; it must be dropped rather than
	// committed over the higher-priority assignment.
	time.Sleep(150 * time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.active) != 1 {
		t.Fatalf("expected exactly one committed activation, got %d: %v", len(store.active), store.active)
	}
	if got := store.current["r1"].MediaURL; got != "http://host/high" {
		t.Fatalf("assignment clobbered by stale retry: MediaURL = %q", got)
	}
}

func TestBackoffCapsAtConfiguredMax(t *testing.T) {
	if got := backoff(10, 500, 30000); got != 30*time.Second {
		t.Errorf("backoff(10, ...) = %v, want capped at 30s", got)
	}
	if got := backoff(0, 500, 30000); got != 500*time.Millisecond {
		t.Errorf("backoff(0, ...) = %v, want 500ms", got)
	}
}
