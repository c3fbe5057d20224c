package controller

import (
	"context"
	"time"

	"castplane/internal/castplane"
	"castplane/internal/supervisor"
)

func timeNow() time.Time { return time.Now() }

// assignmentStore adapts *Controller to assignment.Store. It is a distinct
// named type (rather than methods directly on *Controller) so the
// Controller's own public API is not cluttered with the Engine's narrow,
// internal-use-only contract.
type assignmentStore Controller

func (s *assignmentStore) self() *Controller { return (*Controller)(s) }

func (s *assignmentStore) BeginAssign(rendererID castplane.RendererID, next castplane.Assignment) (*castplane.Assignment, uint64, bool) {
	c := s.self()

	c.assignmentMu.Lock()
	defer c.assignmentMu.Unlock()

	if cur, ok := c.assignments[rendererID]; ok {
		if cur.Priority > next.Priority {
			cp := *cur
			return &cp, 0, false
		}
		cur.State = castplane.AssignmentSuperseded
		c.sink.Publish(castplane.Event{
			Kind:       castplane.EventAssignmentSuperseded,
			RendererID: rendererID,
			VideoID:    cur.Video.ID,
		})
	}

	c.assignGenSeq++
	generation := c.assignGenSeq

	cp := next
	cp.State = castplane.AssignmentPending
	cp.Generation = generation
	c.assignments[rendererID] = &cp
	return nil, generation, true
}

// CurrentGeneration lets the Engine recognize, before or after doing any
// work, that an activation or retry it is about to act on belongs to an
// assignment BeginAssign has since superseded.
func (s *assignmentStore) CurrentGeneration(rendererID castplane.RendererID) (uint64, bool) {
	c := s.self()
	c.assignmentMu.Lock()
	defer c.assignmentMu.Unlock()
	a, ok := c.assignments[rendererID]
	if !ok {
		return 0, false
	}
	return a.Generation, true
}

func (s *assignmentStore) CommitActive(rendererID castplane.RendererID, mediaURL string, generation uint64) bool {
	c := s.self()

	c.assignmentMu.Lock()
	a, ok := c.assignments[rendererID]
	if !ok || a.Generation != generation {
		c.assignmentMu.Unlock()
		return false
	}
	a.State = castplane.AssignmentActive
	a.MediaURL = mediaURL
	a.RetryCount = 0
	c.assignmentMu.Unlock()

	c.deviceStateMu.Lock()
	if r, ok := c.renderers[rendererID]; ok {
		r.Status = castplane.StatusPlaying
		r.TransportEpoch++
	}
	c.deviceStateMu.Unlock()

	c.catalog.RecordStatus(rendererID, castplane.StatusPlaying, timeNow())
	c.refreshRendererGauge()
	return true
}

func (s *assignmentStore) CommitFailed(rendererID castplane.RendererID, generation uint64) {
	c := s.self()
	c.assignmentMu.Lock()
	defer c.assignmentMu.Unlock()
	if a, ok := c.assignments[rendererID]; ok && a.Generation == generation {
		a.State = castplane.AssignmentFailed
	}
}

func (s *assignmentStore) ControlURLFor(rendererID castplane.RendererID) (string, bool) {
	return s.self().controlURLForLocked(rendererID)
}

// RequestSupervision starts a Supervisor for rendererID if one is not
// already running, guarded by monitoringMu so the Controller never spawns
// two for the same renderer.
func (s *assignmentStore) RequestSupervision(rendererID castplane.RendererID) {
	c := s.self()

	c.monitoringMu.Lock()
	if _, running := c.supervisors[rendererID]; running {
		c.monitoringMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(c.rootCtx)
	c.supervisors[rendererID] = cancel
	c.monitoringMu.Unlock()

	controlURL, ok := c.controlURLForLocked(rendererID)
	if !ok {
		c.cancelSupervisor(rendererID)
		return
	}
	client := c.dial(controlURL)

	sup := supervisor.New(rendererID, client, (*supervisorStore)(c), c.sink, c.cfg.Supervisor, c.logger)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.cancelSupervisor(rendererID)
		sup.Run(ctx)
	}()
}

// supervisorStore adapts *Controller to supervisor.Store.
type supervisorStore Controller

func (s *supervisorStore) self() *Controller { return (*Controller)(s) }

func (s *supervisorStore) Assignment(rendererID castplane.RendererID) (castplane.Assignment, bool) {
	c := s.self()
	c.assignmentMu.Lock()
	defer c.assignmentMu.Unlock()
	a, ok := c.assignments[rendererID]
	if !ok {
		return castplane.Assignment{}, false
	}
	return *a, true
}

func (s *supervisorStore) UpdateTransport(rendererID castplane.RendererID, snapshot castplane.TransportSnapshot) {
	c := s.self()
	c.deviceStateMu.Lock()
	defer c.deviceStateMu.Unlock()
	if r, ok := c.renderers[rendererID]; ok {
		r.Transport = snapshot
		r.Status = statusFromTransport(snapshot.State)
	}
}

func (s *supervisorStore) MarkDisconnected(rendererID castplane.RendererID) {
	c := s.self()
	c.deviceStateMu.Lock()
	if r, ok := c.renderers[rendererID]; ok {
		r.Status = castplane.StatusDisconnected
	}
	c.deviceStateMu.Unlock()
	c.catalog.RecordStatus(rendererID, castplane.StatusDisconnected, timeNow())
	c.refreshRendererGauge()
}

func statusFromTransport(t castplane.TransportState) castplane.RendererStatus {
	switch t {
	case castplane.TransportPlaying:
		return castplane.StatusPlaying
	case castplane.TransportPaused:
		return castplane.StatusPaused
	case castplane.TransportStopped:
		return castplane.StatusStopped
	default:
		return castplane.StatusConnected
	}
}

// engineMediaAdapter narrows MediaPublisher to assignment.MediaPublisher
// (the Engine never needs Unpublish).
type engineMediaAdapter struct {
	media MediaPublisher
}

func (m engineMediaAdapter) Publish(video castplane.VideoSnapshot) (string, string, error) {
	return m.media.Publish(video)
}
