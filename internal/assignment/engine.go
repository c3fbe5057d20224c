// Package assignment decides what plays where: it resolves priority
// conflicts between competing assignment requests, drives activation
// (publish, SetAVTransportURI, Play, await PLAYING) outside any lock, and
// retries failed activations with exponential backoff using a
// container/heap priority queue of scheduled retries.
package assignment

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"castplane/internal/castplane"
	"castplane/internal/observability"
)

// Store is the narrow slice of Controller state the Engine needs, kept as
// an interface so the Engine never reaches across the package boundary
// into the Controller's mutexes directly; the Controller's implementation
// is the only thing that actually takes its device-state and assignment
// locks, in that order.
type Store interface {
	// BeginAssign installs a pending assignment for rendererID, first
	// checking the current one's priority. ok is false (with the current
	// assignment returned) if the existing assignment outranks the new one;
	// otherwise generation identifies this assignment for the lifetime of
	// its activation and retries.
	BeginAssign(rendererID castplane.RendererID, next castplane.Assignment) (current *castplane.Assignment, generation uint64, ok bool)
	// CurrentGeneration reports the generation of rendererID's assignment
	// as the Controller currently sees it, so the Engine can recognize a
	// retry for an assignment that has since been superseded.
	CurrentGeneration(rendererID castplane.RendererID) (generation uint64, ok bool)
	// CommitActive applies an activation only if generation still matches
	// the current assignment, reporting whether it did.
	CommitActive(rendererID castplane.RendererID, mediaURL string, generation uint64) bool
	CommitFailed(rendererID castplane.RendererID, generation uint64)
	ControlURLFor(rendererID castplane.RendererID) (string, bool)
	RequestSupervision(rendererID castplane.RendererID)
}

// MediaPublisher is the subset of mediaserver.Server the engine drives.
type MediaPublisher interface {
	Publish(video castplane.VideoSnapshot) (url, token string, err error)
}

// RendererControl is the subset of dlnaclient.Client the engine drives.
type RendererControl interface {
	SetAVTransportURI(ctx context.Context, uri, metadataDIDL string) error
	Play(ctx context.Context) error
	GetTransportInfo(ctx context.Context) (castplane.TransportState, error)
}

// Dialer builds a RendererControl for a given control URL. In production
// this wraps dlnaclient.New; tests supply a stub.
type Dialer func(controlURL string) RendererControl

type Config struct {
	RetryBaseMS       int
	RetryCapMS        int
	RetryMaxAttempts  int
	ActivationTimeout time.Duration
}

// Engine owns the retry/scheduling queue; the assignment map itself lives
// in the Controller behind Store.
type Engine struct {
	logger *slog.Logger
	store  Store
	media  MediaPublisher
	dial   Dialer
	sink   castplane.EventSink
	cfg    Config

	mu   sync.Mutex
	heap scheduledHeap
	wake chan struct{}
}

func New(logger *slog.Logger, store Store, media MediaPublisher, dial Dialer, sink castplane.EventSink, cfg Config) *Engine {
	return &Engine{
		logger: logger,
		store:  store,
		media:  media,
		dial:   dial,
		sink:   sink,
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
	}
}

// Assign implements the 7-step algorithm. It returns as soon as the
// pending/rejected decision is made; activation (steps 5-7) continues
// asynchronously and is reported through events and CommitActive/Failed.
func (e *Engine) Assign(ctx context.Context, rendererID castplane.RendererID, video castplane.VideoSnapshot, priority int, loop bool) error {
	next := castplane.Assignment{
		RendererID: rendererID,
		Video:      video,
		Priority:   priority,
		Loop:       loop,
		CreatedAt:  time.Now(),
		State:      castplane.AssignmentPending,
	}

	current, generation, ok := e.store.BeginAssign(rendererID, next)
	if !ok {
		observability.AssignmentsTotal.WithLabelValues("preempted").Inc()
		return castplane.NewPreempted(current.Priority)
	}
	next.Generation = generation

	go e.activate(ctx, next, 0)
	return nil
}

// activate drives steps 5-7 outside any Controller lock. attempt is 0 on
// the first try and increments on each scheduled retry. Every entry point
// re-checks a's generation against the Controller's current record first,
// since a superseded assignment's retry can reach here after a newer,
// higher-priority assignment has already taken its place.
func (e *Engine) activate(ctx context.Context, a castplane.Assignment, attempt int) {
	if gen, ok := e.store.CurrentGeneration(a.RendererID); !ok || gen != a.Generation {
		e.logger.Info("assignment: dropping superseded activation", "renderer_id", a.RendererID)
		return
	}

	controlURL, ok := e.store.ControlURLFor(a.RendererID)
	if !ok {
		e.logger.Warn("assignment: renderer vanished before activation", "renderer_id", a.RendererID)
		e.store.CommitFailed(a.RendererID, a.Generation)
		return
	}

	mediaURL, _, err := e.media.Publish(a.Video)
	if err != nil {
		e.retryOrFail(ctx, a, attempt, err)
		return
	}

	client := e.dial(controlURL)

	activateCtx, cancel := context.WithTimeout(ctx, e.cfg.ActivationTimeout)
	defer cancel()

	if err := client.SetAVTransportURI(activateCtx, mediaURL, ""); err != nil {
		e.retryOrFail(ctx, a, attempt, err)
		return
	}
	if err := client.Play(activateCtx); err != nil {
		e.retryOrFail(ctx, a, attempt, err)
		return
	}

	if !e.awaitPlaying(activateCtx, client) {
		e.retryOrFail(ctx, a, attempt, fmt.Errorf("renderer did not report PLAYING within %s", e.cfg.ActivationTimeout))
		return
	}

	a.MediaURL = mediaURL
	a.State = castplane.AssignmentActive
	a.RetryCount = attempt

	if !e.store.CommitActive(a.RendererID, mediaURL, a.Generation) {
		e.logger.Info("assignment: discarding activation superseded mid-flight", "renderer_id", a.RendererID)
		return
	}
	e.store.RequestSupervision(a.RendererID)
	observability.AssignmentsTotal.WithLabelValues("activated").Inc()

	e.sink.Publish(castplane.Event{
		Kind:       castplane.EventPlaybackStarted,
		RendererID: a.RendererID,
		VideoID:    a.Video.ID,
		At:         time.Now(),
	})
}

func (e *Engine) awaitPlaying(ctx context.Context, client RendererControl) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(e.cfg.ActivationTimeout)
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		state, err := client.GetTransportInfo(ctx)
		if err == nil && state == castplane.TransportPlaying {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (e *Engine) retryOrFail(ctx context.Context, a castplane.Assignment, attempt int, cause error) {
	if attempt >= e.cfg.RetryMaxAttempts {
		e.logger.Warn("assignment: retries exhausted", "renderer_id", a.RendererID, "error", cause)
		e.store.CommitFailed(a.RendererID, a.Generation)
		observability.AssignmentsTotal.WithLabelValues("failed").Inc()
		e.sink.Publish(castplane.Event{
			Kind:       castplane.EventPlaybackFailed,
			RendererID: a.RendererID,
			VideoID:    a.Video.ID,
			At:         time.Now(),
			Detail:     cause.Error(),
		})
		return
	}

	delay := backoff(attempt, e.cfg.RetryBaseMS, e.cfg.RetryCapMS)
	observability.AssignmentsTotal.WithLabelValues("retried").Inc()
	e.schedule(scheduledEntry{
		fireAt:     time.Now().Add(delay),
		ctx:        ctx,
		assignment: a,
		attempt:    attempt + 1,
	})
}

func backoff(attempt, baseMS, capMS int) time.Duration {
	ms := float64(baseMS) * math.Pow(2, float64(attempt))
	if ms > float64(capMS) {
		ms = float64(capMS)
	}
	return time.Duration(ms) * time.Millisecond
}
