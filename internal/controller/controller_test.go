package controller

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"castplane/internal/assignment"
	"castplane/internal/castplane"
	"castplane/internal/discovery"
	"castplane/internal/dlnaclient"
	"castplane/internal/supervisor"
)

type fakeClient struct {
	mu       sync.Mutex
	state    castplane.TransportState
	setCalls int
	playCalls int
	stopCalls int
	seekTarget string
}

func (c *fakeClient) SetAVTransportURI(ctx context.Context, uri, metadataDIDL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setCalls++
	return nil
}
func (c *fakeClient) Play(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playCalls++
	c.state = castplane.TransportPlaying
	return nil
}
func (c *fakeClient) Pause(ctx context.Context) error { return nil }
func (c *fakeClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopCalls++
	c.state = castplane.TransportStopped
	return nil
}
func (c *fakeClient) Seek(ctx context.Context, target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seekTarget = target
	return nil
}
func (c *fakeClient) GetTransportInfo(ctx context.Context) (castplane.TransportState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, nil
}
func (c *fakeClient) GetPositionInfo(ctx context.Context) (dlnaclient.PositionInfo, error) {
	return dlnaclient.PositionInfo{}, nil
}

type fakeMediaPublisher struct {
	mu       sync.Mutex
	sessions []castplane.StreamingSession
}

func (m *fakeMediaPublisher) Publish(v castplane.VideoSnapshot) (string, string, error) {
	return "http://host/tok/file.mp4", "tok", nil
}
func (m *fakeMediaPublisher) Unpublish(token string) {}
func (m *fakeMediaPublisher) Sessions() []castplane.StreamingSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions
}

type fakeCatalog struct {
	mu     sync.Mutex
	videos map[castplane.VideoID]castplane.VideoSnapshot
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{videos: map[castplane.VideoID]castplane.VideoSnapshot{
		"v1": {ID: "v1", Path: "/tmp/v1.mp4"},
	}}
}

func (c *fakeCatalog) GetVideo(id castplane.VideoID) (castplane.VideoSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videos[id], nil
}
func (c *fakeCatalog) ListAssignmentsStartup() ([]castplane.Assignment, error) { return nil, nil }
func (c *fakeCatalog) RecordStatus(id castplane.RendererID, status castplane.RendererStatus, lastSeen time.Time) {
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

func newTestController(t *testing.T, client *fakeClient) (*Controller, *castplane.MemoryEventSink) {
	t.Helper()
	sink := castplane.NewMemoryEventSink()
	cfg := Config{
		Supervisor: supervisor.Config{TickInterval: 50 * time.Millisecond, StallThresholdTicks: 3, PreRestartMargin: 3 * time.Second},
		Assignment: assignment.Config{RetryBaseMS: 5, RetryCapMS: 20, RetryMaxAttempts: 2, ActivationTimeout: time.Second},
		MissThreshold: 3,
	}
	c := New(testLogger(), cfg, newFakeCatalog(), sink, &fakeMediaPublisher{}, func(string) RendererClient { return client })
	t.Cleanup(c.Close)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return c, sink
}

func TestRegisterIsIdempotentAndPreservesAssignment(t *testing.T) {
	client := &fakeClient{}
	c, _ := newTestController(t, client)

	d := discovery.RendererDescriptor{USN: "uuid:renderer-1", FriendlyName: "Living Room TV", ControlURL: "http://renderer/control"}
	id1 := c.Register(d)
	id2 := c.Register(d)
	if id1 != id2 {
		t.Fatalf("expected stable renderer id, got %q then %q", id1, id2)
	}

	snap := c.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 renderer, got %d", len(snap))
	}
}

func TestPlayActivatesAndSupervises(t *testing.T) {
	client := &fakeClient{}
	c, sink := newTestController(t, client)

	id := c.Register(discovery.RendererDescriptor{USN: "uuid:renderer-1", ControlURL: "http://renderer/control"})

	if err := c.Play(context.Background(), id, "v1", true); err != nil {
		t.Fatalf("Play: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.playCalls >= 1
	})

	found := false
	for _, evt := range sink.Events() {
		if evt.Kind == castplane.EventPlaybackStarted {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a playback_started event")
	}

	c.monitoringMu.Lock()
	_, supervised := c.supervisors[id]
	c.monitoringMu.Unlock()
	if !supervised {
		t.Fatal("expected a supervisor to be running for the renderer")
	}
}

func TestAssignRejectsLowerPriorityThanUserOverride(t *testing.T) {
	client := &fakeClient{}
	c, _ := newTestController(t, client)

	id := c.Register(discovery.RendererDescriptor{USN: "uuid:renderer-1", ControlURL: "http://renderer/control"})

	if err := c.Play(context.Background(), id, "v1", true); err != nil {
		t.Fatalf("Play: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.playCalls >= 1
	})

	err := c.Assign(context.Background(), id, castplane.VideoSnapshot{ID: "v2"}, 5, false)
	if !castplane.IsPreempted(err) {
		t.Fatalf("expected Preempted for a lower-priority assign, got %v", err)
	}
}

func TestSyncWithDiscoveryDisconnectsAfterMissThreshold(t *testing.T) {
	client := &fakeClient{}
	c, sink := newTestController(t, client)

	id := c.Register(discovery.RendererDescriptor{USN: "uuid:renderer-1", ControlURL: "http://renderer/control"})

	for i := 0; i < 5; i++ {
		c.SyncWithDiscovery(map[castplane.RendererID]struct{}{})
	}

	snap := c.Snapshot()
	if len(snap) != 1 || snap[0].Status != castplane.StatusDisconnected {
		t.Fatalf("expected renderer to be disconnected, got %+v", snap)
	}

	found := false
	for _, evt := range sink.Events() {
		if evt.Kind == castplane.EventDisconnected && evt.RendererID == id {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a disconnected event")
	}
}

func TestStopCancelsSupervisionAndClearsAssignment(t *testing.T) {
	client := &fakeClient{}
	c, _ := newTestController(t, client)

	id := c.Register(discovery.RendererDescriptor{USN: "uuid:renderer-1", ControlURL: "http://renderer/control"})
	if err := c.Play(context.Background(), id, "v1", true); err != nil {
		t.Fatalf("Play: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.playCalls >= 1
	})

	if err := c.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	c.monitoringMu.Lock()
	_, supervised := c.supervisors[id]
	c.monitoringMu.Unlock()
	if supervised {
		t.Fatal("expected no supervisor after Stop")
	}

	snap := c.Snapshot()
	if snap[0].Assignment != nil {
		t.Fatalf("expected no assignment after Stop, got %+v", snap[0].Assignment)
	}
}
