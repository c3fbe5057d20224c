// Package controller owns the authoritative renderer, assignment, and
// session state and wires discovery, the DLNA control client, the media
// server, the assignment engine, and the playback supervisor together
// behind four lock-ordered mutex fields, since device state, assignment
// bookkeeping, supervisor handles, and aggregate statistics are
// independently-contended regions.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"castplane/internal/assignment"
	"castplane/internal/castplane"
	"castplane/internal/discovery"
	"castplane/internal/dlnaclient"
	"castplane/internal/observability"
	"castplane/internal/supervisor"
)

// userOverridePriority is the fixed priority user-driven play/stop/pause/
// seek calls assign; by convention it always wins over a scheduled or
// API-driven assignment.
const userOverridePriority = 100

// MediaPublisher is the subset of *mediaserver.Server the Controller and
// Assignment Engine drive.
type MediaPublisher interface {
	Publish(video castplane.VideoSnapshot) (url, token string, err error)
	Unpublish(token string)
	Sessions() []castplane.StreamingSession
}

// RendererClient is the full set of AVTransport actions the Controller
// issues directly (Stop/Pause/Seek) or hands to the Engine/Supervisor
// (SetAVTransportURI/Play/GetTransportInfo/GetPositionInfo). *dlnaclient.
// Client satisfies it; tests substitute a fake so the Controller's wiring
// is exercised without a network round trip.
type RendererClient interface {
	SetAVTransportURI(ctx context.Context, uri, metadataDIDL string) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	Seek(ctx context.Context, target string) error
	GetTransportInfo(ctx context.Context) (castplane.TransportState, error)
	GetPositionInfo(ctx context.Context) (dlnaclient.PositionInfo, error)
}

// Config bundles the sub-configs every wired collaborator needs.
type Config struct {
	Supervisor supervisor.Config
	Assignment assignment.Config
	MissThreshold int
}

// Controller is the core of the control plane. Its four mutexes are
// declared in acquisition order; code must never acquire an earlier one
// while holding a later one, and lock 1 (deviceStateMu) is never reacquired
// by a goroutine already holding it, because Go has no reentrant lock:
// helpers such as controlURLForLocked take and release it themselves and
// are only called with no Controller lock held.
type Controller struct {
	logger *slog.Logger
	cfg    Config

	catalog castplane.Catalog
	sink    castplane.EventSink
	media   MediaPublisher
	dial    func(controlURL string) RendererClient

	engine *assignment.Engine

	deviceStateMu sync.Mutex
	renderers     map[castplane.RendererID]*castplane.Renderer

	assignmentMu sync.Mutex
	assignments  map[castplane.RendererID]*castplane.Assignment
	assignGenSeq uint64

	monitoringMu sync.Mutex
	supervisors  map[castplane.RendererID]context.CancelFunc

	statisticsMu sync.RWMutex
	eventsByKind map[castplane.EventKind]int64

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Controller. dial constructs a fresh dlnaclient.Client for a
// given AVTransport control URL; callers normally pass
// dlnaclient.New-backed closures that bake in the configured SOAP timeout
// and retry delay.
func New(logger *slog.Logger, cfg Config, catalog castplane.Catalog, sink castplane.EventSink, media MediaPublisher, dial func(controlURL string) RendererClient) *Controller {
	c := &Controller{
		logger:       logger,
		cfg:          cfg,
		catalog:      catalog,
		sink:         sink,
		media:        media,
		dial:         dial,
		renderers:    make(map[castplane.RendererID]*castplane.Renderer),
		assignments:  make(map[castplane.RendererID]*castplane.Assignment),
		supervisors:  make(map[castplane.RendererID]context.CancelFunc),
		eventsByKind: make(map[castplane.EventKind]int64),
	}

	dialEngine := func(controlURL string) assignment.RendererControl {
		return c.dial(controlURL)
	}
	c.engine = assignment.New(logger, (*assignmentStore)(c), engineMediaAdapter{media}, dialEngine, sink, cfg.Assignment)

	return c
}

// Start begins the assignment engine's retry scheduler and replays any
// startup assignments the catalog remembers. It must be called once,
// before Register is used.
func (c *Controller) Start(ctx context.Context) error {
	c.rootCtx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.engine.RunScheduler(c.rootCtx)
	}()

	startup, err := c.catalog.ListAssignmentsStartup()
	if err != nil {
		return fmt.Errorf("list startup assignments: %w", err)
	}
	for _, a := range startup {
		if err := c.engine.Assign(c.rootCtx, a.RendererID, a.Video, a.Priority, a.Loop); err != nil {
			c.logger.Warn("startup assignment rejected", "renderer_id", a.RendererID, "error", err)
		}
	}
	return nil
}

// Close cancels every supervisor and the scheduler and waits for them to
// exit.
func (c *Controller) Close() {
	if c.cancel != nil {
		c.cancel()
	}

	c.monitoringMu.Lock()
	for id, cancel := range c.supervisors {
		cancel()
		delete(c.supervisors, id)
	}
	c.monitoringMu.Unlock()

	c.wg.Wait()
}

// Register creates or refreshes a renderer record from a discovery
// descriptor. It is idempotent: an existing record's mutable fields are
// updated in place so an active assignment and its Supervisor survive a
// re-discovery instead of being torn down and replaced, which would
// provoke redundant Play commands.
func (c *Controller) Register(d discovery.RendererDescriptor) castplane.RendererID {
	id := castplane.RendererID(d.USN)

	c.deviceStateMu.Lock()
	r, exists := c.renderers[id]
	if !exists {
		r = &castplane.Renderer{ID: id}
		c.renderers[id] = r
	}
	wasDisconnected := r.Status == castplane.StatusDisconnected
	r.FriendlyName = d.FriendlyName
	r.ControlURL = d.ControlURL
	r.Location = d.Location
	r.Capabilities.SupportsSeek = d.SupportsSeek
	r.LastSeen = time.Now()
	r.MissedSweeps = 0
	if !exists || wasDisconnected {
		r.Status = castplane.StatusConnected
	}
	c.deviceStateMu.Unlock()

	c.catalog.RecordStatus(id, castplane.StatusConnected, time.Now())
	c.bumpStat(castplane.EventDiscovered)
	c.refreshRendererGauge()
	c.sink.Publish(castplane.Event{Kind: castplane.EventDiscovered, RendererID: id, At: time.Now()})

	return id
}

// Unregister removes a renderer record entirely, cancelling any running
// Supervisor first.
func (c *Controller) Unregister(id castplane.RendererID) {
	c.cancelSupervisor(id)

	c.deviceStateMu.Lock()
	delete(c.renderers, id)
	c.deviceStateMu.Unlock()

	c.assignmentMu.Lock()
	delete(c.assignments, id)
	c.assignmentMu.Unlock()
}

// SyncWithDiscovery reconciles the renderer table against the set of
// renderer IDs seen in the most recent discovery sweep: renderers absent
// for more than MissThreshold sweeps transition to disconnected; renderers
// that reappear transition back to connected.
func (c *Controller) SyncWithDiscovery(seen map[castplane.RendererID]struct{}) {
	c.deviceStateMu.Lock()
	var toDisconnect, reconnected []castplane.RendererID
	for id, r := range c.renderers {
		if _, ok := seen[id]; ok {
			r.MissedSweeps = 0
			if r.Status == castplane.StatusDisconnected {
				r.Status = castplane.StatusConnected
				reconnected = append(reconnected, id)
			}
			continue
		}
		r.MissedSweeps++
		if r.MissedSweeps > c.cfg.MissThreshold && r.Status != castplane.StatusDisconnected {
			r.Status = castplane.StatusDisconnected
			toDisconnect = append(toDisconnect, id)
		}
	}
	c.deviceStateMu.Unlock()

	for _, id := range toDisconnect {
		c.cancelSupervisor(id)
		c.catalog.RecordStatus(id, castplane.StatusDisconnected, time.Now())
		c.bumpStat(castplane.EventDisconnected)
		c.sink.Publish(castplane.Event{Kind: castplane.EventDisconnected, RendererID: id, At: time.Now()})
	}
	for _, id := range reconnected {
		c.catalog.RecordStatus(id, castplane.StatusConnected, time.Now())
		c.bumpStat(castplane.EventConnected)
		c.sink.Publish(castplane.Event{Kind: castplane.EventConnected, RendererID: id, At: time.Now()})
	}
	if len(toDisconnect) > 0 || len(reconnected) > 0 {
		c.refreshRendererGauge()
	}
}

// Assign drives the video through the Assignment Engine's normal,
// possibly-preempted path. Exposed for scheduled/API-driven assignments
// where the caller supplies its own priority.
func (c *Controller) Assign(ctx context.Context, id castplane.RendererID, video castplane.VideoSnapshot, priority int, loop bool) error {
	return c.engine.Assign(ctx, id, video, priority, loop)
}

// Play is the user-driven override: always priority 100, always wins.
func (c *Controller) Play(ctx context.Context, id castplane.RendererID, videoID castplane.VideoID, loop bool) error {
	video, err := c.catalog.GetVideo(videoID)
	if err != nil {
		return fmt.Errorf("play: %w", err)
	}
	return c.engine.Assign(ctx, id, video, userOverridePriority, loop)
}

// Stop cancels the renderer's Supervisor and issues a direct Stop command.
func (c *Controller) Stop(ctx context.Context, id castplane.RendererID) error {
	c.cancelSupervisor(id)

	controlURL, ok := c.controlURLForLocked(id)
	if !ok {
		return castplane.NewNotPublished()
	}
	client := c.dial(controlURL)
	if err := client.Stop(ctx); err != nil {
		return fmt.Errorf("stop: %w", err)
	}

	c.assignmentMu.Lock()
	delete(c.assignments, id)
	c.assignmentMu.Unlock()
	return nil
}

// Pause issues a direct Pause command without disturbing the assignment or
// Supervisor.
func (c *Controller) Pause(ctx context.Context, id castplane.RendererID) error {
	controlURL, ok := c.controlURLForLocked(id)
	if !ok {
		return castplane.NewNotPublished()
	}
	client := c.dial(controlURL)
	if err := client.Pause(ctx); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	return nil
}

// Seek issues a direct Seek command. Seek is best-effort: a renderer that
// refuses it is reported as Unsupported, with the refusal as the cause.
func (c *Controller) Seek(ctx context.Context, id castplane.RendererID, target time.Duration) error {
	controlURL, ok := c.controlURLForLocked(id)
	if !ok {
		return castplane.NewNotPublished()
	}
	client := c.dial(controlURL)
	if err := client.Seek(ctx, formatUPnPTime(target)); err != nil {
		var refused *castplane.Error
		if errors.As(err, &refused) && refused.Kind == castplane.KindRendererRefused {
			return &castplane.Error{Kind: castplane.KindUnsupported, Err: err}
		}
		return fmt.Errorf("seek: %w", err)
	}
	return nil
}

// formatUPnPTime renders d as the "H:MM:SS" form AVTransport's REL_TIME
// Seek target expects, the inverse of dlnaclient's internal parseUPnPTime.
func formatUPnPTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d.Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// Snapshot returns a consistent, post-snapshot-immutable read-only view of
// every renderer and its current assignment, taking deviceStateMu then
// assignmentMu in lock-hierarchy order.
func (c *Controller) Snapshot() []castplane.Renderer {
	c.deviceStateMu.Lock()
	defer c.deviceStateMu.Unlock()
	c.assignmentMu.Lock()
	defer c.assignmentMu.Unlock()

	out := make([]castplane.Renderer, 0, len(c.renderers))
	for _, r := range c.renderers {
		cp := *r.Clone()
		if a, ok := c.assignments[r.ID]; ok {
			acp := *a
			cp.Assignment = &acp
		}
		out = append(out, cp)
	}
	return out
}

// ListSessions returns the media server's current streaming sessions.
func (c *Controller) ListSessions() []castplane.StreamingSession {
	return c.media.Sessions()
}

func (c *Controller) controlURLForLocked(id castplane.RendererID) (string, bool) {
	c.deviceStateMu.Lock()
	defer c.deviceStateMu.Unlock()
	r, ok := c.renderers[id]
	if !ok {
		return "", false
	}
	return r.ControlURL, true
}

func (c *Controller) cancelSupervisor(id castplane.RendererID) {
	c.monitoringMu.Lock()
	defer c.monitoringMu.Unlock()
	if cancel, ok := c.supervisors[id]; ok {
		cancel()
		delete(c.supervisors, id)
	}
}

func (c *Controller) bumpStat(kind castplane.EventKind) {
	c.statisticsMu.Lock()
	defer c.statisticsMu.Unlock()
	c.eventsByKind[kind]++
}

// refreshRendererGauge recomputes the renderers-by-status gauge from
// scratch. Called after any transition that changes a renderer's Status;
// cheap because the renderer count is small and the gauge only has a
// handful of label values to reset.
func (c *Controller) refreshRendererGauge() {
	c.deviceStateMu.Lock()
	counts := make(map[castplane.RendererStatus]int)
	for _, r := range c.renderers {
		counts[r.Status]++
	}
	c.deviceStateMu.Unlock()

	for _, status := range []castplane.RendererStatus{
		castplane.StatusDiscovered, castplane.StatusConnected, castplane.StatusPlaying,
		castplane.StatusPaused, castplane.StatusStopped, castplane.StatusDisconnected,
	} {
		observability.RenderersByStatus.WithLabelValues(status.String()).Set(float64(counts[status]))
	}
}

// StatsSnapshot returns a copy of the aggregate event counters, read-locked
// since this is a reader-heavy path that warrants its own lock separate
// from the mutable renderer and assignment state.
func (c *Controller) StatsSnapshot() map[string]int64 {
	c.statisticsMu.RLock()
	defer c.statisticsMu.RUnlock()
	out := make(map[string]int64, len(c.eventsByKind))
	for k, v := range c.eventsByKind {
		out[k.String()] = v
	}
	return out
}
