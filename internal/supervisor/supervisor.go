// Package supervisor runs one cooperative per-renderer task that polls
// transport state, applies the stall/loop/end-of-media decision table, and
// restarts playback when a renderer silently stops advancing.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"castplane/internal/castplane"
	"castplane/internal/dlnaclient"
	"castplane/internal/observability"
)

// Control is the subset of dlnaclient.Client a Supervisor drives.
type Control interface {
	GetTransportInfo(ctx context.Context) (castplane.TransportState, error)
	GetPositionInfo(ctx context.Context) (dlnaclient.PositionInfo, error)
	SetAVTransportURI(ctx context.Context, uri, metadataDIDL string) error
	Play(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Store is the narrow slice of Controller state a Supervisor needs.
type Store interface {
	Assignment(rendererID castplane.RendererID) (castplane.Assignment, bool)
	UpdateTransport(rendererID castplane.RendererID, snapshot castplane.TransportSnapshot)
	MarkDisconnected(rendererID castplane.RendererID)
}

type Config struct {
	TickInterval        time.Duration
	StallThresholdTicks int
	PreRestartMargin    time.Duration
}

const maxConsecutiveFailures = 3

// Supervisor watches one renderer. A Supervisor is single-concurrent by
// construction: Run is only ever invoked from the goroutine the Controller
// spawns for it, and the Controller never spawns two for the same renderer
// while the first's cancellation token is still live.
type Supervisor struct {
	rendererID castplane.RendererID
	control    Control
	store      Store
	sink       castplane.EventSink
	cfg        Config
	logger     *slog.Logger

	consecutiveFailures int
	consecutiveNoMedia  int
	ticksSinceAdvance   int
	lastPosition        time.Duration
}

func New(rendererID castplane.RendererID, control Control, store Store, sink castplane.EventSink, cfg Config, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		rendererID: rendererID,
		control:    control,
		store:      store,
		sink:       sink,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run blocks until ctx is cancelled, the renderer's assignment is gone, or
// the renderer is judged disconnected.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.tick(ctx) {
				return
			}
		}
	}
}

// tick performs one observation-and-decide cycle. It returns false when the
// supervisor should exit: the renderer no longer has an assignment, or it
// has failed enough consecutive polls to be considered disconnected.
func (s *Supervisor) tick(ctx context.Context) bool {
	assignment, ok := s.store.Assignment(s.rendererID)
	if !ok {
		return false
	}

	state, err := s.control.GetTransportInfo(ctx)
	if err != nil {
		return s.handleFailure(ctx)
	}

	pos, err := s.control.GetPositionInfo(ctx)
	if err != nil {
		return s.handleFailure(ctx)
	}
	s.consecutiveFailures = 0

	snapshot := castplane.TransportSnapshot{
		State:      state,
		CurrentURI: pos.CurrentURI,
		Position:   pos.Position,
		Duration:   pos.Duration,
		ObservedAt: time.Now(),
	}
	s.store.UpdateTransport(s.rendererID, snapshot)

	s.applyDecisionTable(ctx, assignment, snapshot)
	return true
}

func (s *Supervisor) handleFailure(ctx context.Context) bool {
	s.consecutiveFailures++
	if s.consecutiveFailures >= maxConsecutiveFailures {
		s.logger.Warn("supervisor: renderer unresponsive, marking disconnected", "renderer_id", s.rendererID)
		s.store.MarkDisconnected(s.rendererID)
		s.sink.Publish(castplane.Event{
			Kind:       castplane.EventDisconnected,
			RendererID: s.rendererID,
			At:         time.Now(),
		})
		return false
	}
	return true
}

func (s *Supervisor) applyDecisionTable(ctx context.Context, a castplane.Assignment, snap castplane.TransportSnapshot) {
	switch {
	case snap.State == castplane.TransportStopped && a.Loop:
		s.restart(ctx, a, "stopped_loop")

	case snap.State == castplane.TransportPlaying:
		s.consecutiveNoMedia = 0
		s.applyPlayingObservation(ctx, a, snap)

	case snap.State == castplane.TransportNoMediaPresent:
		s.consecutiveNoMedia++
		if s.consecutiveNoMedia >= 2 {
			s.restart(ctx, a, "no_media")
			s.consecutiveNoMedia = 0
		}

	default:
		s.consecutiveNoMedia = 0
	}
}

func (s *Supervisor) applyPlayingObservation(ctx context.Context, a castplane.Assignment, snap castplane.TransportSnapshot) {
	advanced := snap.Position - s.lastPosition
	s.lastPosition = snap.Position

	if a.Loop && snap.Duration > 0 && snap.Position >= snap.Duration-s.cfg.PreRestartMargin {
		s.restart(ctx, a, "pre_emptive")
		s.ticksSinceAdvance = 0
		return
	}

	if advanced >= 500*time.Millisecond {
		s.ticksSinceAdvance = 0
		return
	}

	s.ticksSinceAdvance++
	if s.ticksSinceAdvance >= s.cfg.StallThresholdTicks {
		s.restartWithStop(ctx, a, "stall")
		s.ticksSinceAdvance = 0
	}
}

func (s *Supervisor) restart(ctx context.Context, a castplane.Assignment, reason string) {
	if err := s.control.SetAVTransportURI(ctx, a.MediaURL, ""); err != nil {
		s.logger.Warn("supervisor: restart SetAVTransportURI failed", "renderer_id", s.rendererID, "reason", reason, "error", err)
		return
	}
	if err := s.control.Play(ctx); err != nil {
		s.logger.Warn("supervisor: restart Play failed", "renderer_id", s.rendererID, "reason", reason, "error", err)
		return
	}

	observability.SupervisorRestartsTotal.WithLabelValues(reason).Inc()
	s.sink.Publish(castplane.Event{
		Kind:       castplane.EventPlaybackRestarted,
		RendererID: s.rendererID,
		VideoID:    a.Video.ID,
		At:         time.Now(),
		Detail:     reason,
	})
}

func (s *Supervisor) restartWithStop(ctx context.Context, a castplane.Assignment, reason string) {
	if err := s.control.Stop(ctx); err != nil {
		s.logger.Warn("supervisor: stop before stall restart failed", "renderer_id", s.rendererID, "error", err)
	}
	s.restart(ctx, a, reason)
}
