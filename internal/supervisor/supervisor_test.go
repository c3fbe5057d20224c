package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"castplane/internal/castplane"
	"castplane/internal/dlnaclient"
)

type fakeControl struct {
	mu            sync.Mutex
	state         castplane.TransportState
	pos           dlnaclient.PositionInfo
	failTransport bool
	setCalls      int
	playCalls     int
	stopCalls     int
}

func (c *fakeControl) GetTransportInfo(ctx context.Context) (castplane.TransportState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failTransport {
		return castplane.TransportUnknown, errors.New("timeout")
	}
	return c.state, nil
}

func (c *fakeControl) GetPositionInfo(ctx context.Context) (dlnaclient.PositionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos, nil
}

func (c *fakeControl) SetAVTransportURI(ctx context.Context, uri, metadataDIDL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setCalls++
	return nil
}

func (c *fakeControl) Play(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playCalls++
	return nil
}

func (c *fakeControl) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopCalls++
	return nil
}

type fakeStore struct {
	mu           sync.Mutex
	assignment   castplane.Assignment
	hasAssign    bool
	snapshots    []castplane.TransportSnapshot
	disconnected bool
}

func (s *fakeStore) Assignment(id castplane.RendererID) (castplane.Assignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assignment, s.hasAssign
}

func (s *fakeStore) UpdateTransport(id castplane.RendererID, snap castplane.TransportSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
}

func (s *fakeStore) MarkDisconnected(id castplane.RendererID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
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

func TestTickRestartsOnStoppedLoop(t *testing.T) {
	control := &fakeControl{state: castplane.TransportStopped}
	store := &fakeStore{assignment: castplane.Assignment{Loop: true, MediaURL: "http://host/v"}, hasAssign: true}
	sink := &fakeSink{}

	sup := New("r1", control, store, sink, Config{TickInterval: time.Millisecond, StallThresholdTicks: 3, PreRestartMargin: 3 * time.Second}, testLogger())

	if ok := sup.tick(context.Background()); !ok {
		t.Fatal("tick should continue")
	}

	if control.setCalls != 1 || control.playCalls != 1 {
		t.Fatalf("expected 1 SetAVTransportURI + 1 Play, got set=%d play=%d", control.setCalls, control.playCalls)
	}
	events := sink.snapshot()
	if len(events) != 1 || events[0].Detail != "stopped_loop" {
		t.Fatalf("expected stopped_loop event, got %+v", events)
	}
}

func TestTickDetectsStallAfterThreshold(t *testing.T) {
	control := &fakeControl{state: castplane.TransportPlaying, pos: dlnaclient.PositionInfo{Position: 10 * time.Second, Duration: time.Hour}}
	store := &fakeStore{assignment: castplane.Assignment{Loop: false, MediaURL: "http://host/v"}, hasAssign: true}
	sink := &fakeSink{}

	sup := New("r1", control, store, sink, Config{TickInterval: time.Millisecond, StallThresholdTicks: 2, PreRestartMargin: 3 * time.Second}, testLogger())

	sup.tick(context.Background()) // establishes lastPosition, ticksSinceAdvance=0 (advanced from 0->10s)
	sup.tick(context.Background()) // position unchanged: ticksSinceAdvance=1
	sup.tick(context.Background()) // position unchanged: ticksSinceAdvance=2 >= threshold -> stall restart

	if control.stopCalls != 1 {
		t.Fatalf("expected Stop to be called once on stall, got %d", control.stopCalls)
	}
	if control.setCalls != 1 || control.playCalls != 1 {
		t.Fatalf("expected one restart cycle, got set=%d play=%d", control.setCalls, control.playCalls)
	}
}

func TestTickMarksDisconnectedAfterConsecutiveFailures(t *testing.T) {
	control := &fakeControl{failTransport: true}
	store := &fakeStore{assignment: castplane.Assignment{}, hasAssign: true}
	sink := &fakeSink{}

	sup := New("r1", control, store, sink, Config{TickInterval: time.Millisecond, StallThresholdTicks: 3, PreRestartMargin: 3 * time.Second}, testLogger())

	var ok bool
	for i := 0; i < maxConsecutiveFailures; i++ {
		ok = sup.tick(context.Background())
	}

	if ok {
		t.Fatal("expected tick to signal exit after consecutive failures")
	}
	if !store.disconnected {
		t.Fatal("expected renderer to be marked disconnected")
	}
}

func TestPreemptiveRestartNearEndOfMediaWhenLooping(t *testing.T) {
	control := &fakeControl{state: castplane.TransportPlaying, pos: dlnaclient.PositionInfo{Position: 58 * time.Second, Duration: 60 * time.Second}}
	store := &fakeStore{assignment: castplane.Assignment{Loop: true, MediaURL: "http://host/v"}, hasAssign: true}
	sink := &fakeSink{}

	sup := New("r1", control, store, sink, Config{TickInterval: time.Millisecond, StallThresholdTicks: 3, PreRestartMargin: 3 * time.Second}, testLogger())
	sup.tick(context.Background())

	if control.setCalls != 1 || control.playCalls != 1 {
		t.Fatalf("expected pre-emptive restart, got set=%d play=%d", control.setCalls, control.playCalls)
	}
}
