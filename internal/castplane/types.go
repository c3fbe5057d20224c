package castplane

import "time"

type RendererID string
type VideoID string

// RendererStatus is the lifecycle/playback status of a Renderer Record.
type RendererStatus int

const (
	StatusDiscovered RendererStatus = iota
	StatusConnected
	StatusPlaying
	StatusPaused
	StatusStopped
	StatusDisconnected
)

func (s RendererStatus) String() string {
	switch s {
	case StatusDiscovered:
		return "discovered"
	case StatusConnected:
		return "connected"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusStopped:
		return "stopped"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// TransportState mirrors the UPnP AVTransport CurrentTransportState values
// the supervisor observes.
type TransportState int

const (
	TransportUnknown TransportState = iota
	TransportPlaying
	TransportPaused
	TransportStopped
	TransportTransitioning
	TransportNoMediaPresent
)

func ParseTransportState(s string) TransportState {
	switch s {
	case "PLAYING":
		return TransportPlaying
	case "PAUSED_PLAYBACK", "PAUSED":
		return TransportPaused
	case "STOPPED":
		return TransportStopped
	case "TRANSITIONING":
		return TransportTransitioning
	case "NO_MEDIA_PRESENT":
		return TransportNoMediaPresent
	default:
		return TransportUnknown
	}
}

func (t TransportState) String() string {
	switch t {
	case TransportPlaying:
		return "PLAYING"
	case TransportPaused:
		return "PAUSED_PLAYBACK"
	case TransportStopped:
		return "STOPPED"
	case TransportTransitioning:
		return "TRANSITIONING"
	case TransportNoMediaPresent:
		return "NO_MEDIA_PRESENT"
	default:
		return "UNKNOWN"
	}
}

// Capabilities records which AVTransport actions a renderer is known (or
// assumed) to support. Without SCPD parsing, every non-Play/Pause/Stop
// action defaults to best-effort and surfaces Unsupported only once the
// renderer actually refuses it.
type Capabilities struct {
	SupportsSeek                bool
	SupportsSetNextAVTransport  bool
}

// Renderer is the in-memory per-device record. It is created on first
// discovery and mutated only by the Controller or a Supervisor, always
// under the device-state lock; it is destroyed only by explicit Unregister.
type Renderer struct {
	ID           RendererID
	FriendlyName string
	ControlURL   string
	HostPort     string
	Location     string
	Capabilities Capabilities

	LastSeen time.Time
	Status   RendererStatus

	Assignment *Assignment // current assignment, nil if none

	TransportEpoch uint64 // increments each time an assignment's activation is committed
	Transport      TransportSnapshot

	MissedSweeps int // consecutive discovery sweeps this renderer was absent from
}

// Clone returns a deep-enough copy safe to hand to callers outside the lock.
func (r *Renderer) Clone() *Renderer {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Assignment != nil {
		a := *r.Assignment
		cp.Assignment = &a
	}
	return &cp
}

// VideoSnapshot is the immutable view of a Video the controller holds for
// the duration of an assignment. The catalog owns the mutable source of
// truth.
type VideoSnapshot struct {
	ID              VideoID
	Path            string
	Size            int64
	Duration        time.Duration // zero means unknown
	MIME            string
	DLNAProfile     string
	SubtitlePath    string // empty if none
}

// AssignmentState is the lifecycle state of an Assignment.
type AssignmentState int

const (
	AssignmentPending AssignmentState = iota
	AssignmentActive
	AssignmentFailed
	AssignmentSuperseded
)

func (s AssignmentState) String() string {
	switch s {
	case AssignmentPending:
		return "pending"
	case AssignmentActive:
		return "active"
	case AssignmentFailed:
		return "failed"
	case AssignmentSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Assignment is the (renderer_id, video_id, priority, loop) tuple driving a
// renderer. At most one Assignment per renderer is ever Active.
type Assignment struct {
	RendererID RendererID
	Video      VideoSnapshot
	Priority   int
	Loop       bool
	CreatedAt  time.Time
	RetryCount int
	State      AssignmentState

	MediaURL string // Media Server URL this assignment expects CurrentURI to equal

	// Generation identifies which BeginAssign call produced this record.
	// The Engine carries it through every retry it schedules so a retry for
	// an assignment that has since been superseded can be recognized and
	// dropped instead of committing its (losing) state over a newer one.
	Generation uint64
}

// SessionState is the lifecycle state of a StreamingSession.
type SessionState int

const (
	SessionOpening SessionState = iota
	SessionServing
	SessionClosed
	SessionErrored
)

func (s SessionState) String() string {
	switch s {
	case SessionOpening:
		return "opening"
	case SessionServing:
		return "serving"
	case SessionClosed:
		return "closed"
	case SessionErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// StreamingSession tracks one live HTTP delivery of a published video.
type StreamingSession struct {
	SessionID   string
	RendererID  RendererID // best-effort; empty if the client IP can't be matched to a renderer
	VideoID     VideoID
	BytesServed int64
	FirstByteAt time.Time
	LastByteAt  time.Time
	ClientIP    string
	State       SessionState
}

// TransportSnapshot is a renderer's last observed AVTransport state.
type TransportSnapshot struct {
	State      TransportState
	CurrentURI string
	Position   time.Duration
	Duration   time.Duration
	ObservedAt time.Time
}
