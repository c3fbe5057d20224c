// Package mediaserver embeds the HTTP server that delivers published video
// (and sidecar subtitle) bytes to renderers with DLNA-conformant headers
// and Range support, keyed by a single publication table of opaque random
// tokens shared by every renderer.
package mediaserver

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"castplane/internal/castplane"

	"github.com/dustin/go-humanize"
)

// publication is the descriptor behind one opaque path token.
type publication struct {
	AbsPath      string
	MIME         string
	Profile      string
	SubtitlePath string
	VideoID      castplane.VideoID
}

// Server binds a single HTTP listener in a configured port range and serves
// every currently-published video under a random token path.
type Server struct {
	logger *slog.Logger

	listener net.Listener
	baseURL  string
	httpSrv  *http.Server

	drainTimeout time.Duration
	limiter      *ipRateLimiter

	mu           sync.RWMutex
	publications map[string]publication

	sessionsMu sync.Mutex
	sessions   map[string]*castplane.StreamingSession
}

// Config mirrors config.MediaServerConfig without importing the config
// package, keeping mediaserver usable independent of the flag-parsing
// layer (e.g. from tests that construct it directly).
type Config struct {
	PortRangeLow   int
	PortRangeHigh  int
	DrainTimeout   time.Duration
	RateLimitRPS   int
	RateLimitBurst int
}

// New binds the first free port in cfg's range and returns a Server ready
// to Serve. AdvertiseHost is the IP renderers should use to reach this
// process (the LAN-facing address, not necessarily the bind address).
func New(ctx context.Context, logger *slog.Logger, cfg Config, advertiseHost string) (*Server, error) {
	listener, port, err := bindPortRange(cfg.PortRangeLow, cfg.PortRangeHigh)
	if err != nil {
		return nil, err
	}

	s := &Server{
		logger:       logger,
		listener:     listener,
		baseURL:      fmt.Sprintf("http://%s:%d", advertiseHost, port),
		drainTimeout: cfg.DrainTimeout,
		limiter:      newIPRateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst),
		publications: make(map[string]publication),
		sessions:     make(map[string]*castplane.StreamingSession),
	}

	mux := http.NewServeMux()
	mux.Handle("/", s.limiter.Middleware(http.HandlerFunc(s.handle)))
	s.httpSrv = &http.Server{Handler: mux}

	return s, nil
}

func bindPortRange(low, high int) (net.Listener, int, error) {
	for port := low; port <= high; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return l, port, nil
		}
	}
	return nil, 0, castplane.NewBindExhausted()
}

// sessionRetention bounds how long a closed or errored session stays in
// s.sessions for Sessions() to report before pruneSessionsLoop reclaims it.
const sessionRetention = 5 * time.Minute

// Serve runs the HTTP server until ctx is cancelled, then drains for up to
// drainTimeout before forcing shutdown.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.Serve(s.listener)
	}()

	go s.pruneSessionsLoop(ctx)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("media server shutdown did not drain cleanly", "error", err)
			s.httpSrv.Close()
			return err
		}
		return nil
	}
}

// Publish registers a video for streaming and returns the URL a renderer
// should be given in SetAVTransportURI. A non-empty video.SubtitlePath
// additionally publishes a "<token>.srt" sidecar.
func (s *Server) Publish(video castplane.VideoSnapshot) (url, token string, err error) {
	token, err = newToken()
	if err != nil {
		return "", "", fmt.Errorf("generate publish token: %w", err)
	}

	pub := publication{
		AbsPath:      video.Path,
		MIME:         video.MIME,
		Profile:      video.DLNAProfile,
		SubtitlePath: video.SubtitlePath,
		VideoID:      video.ID,
	}

	// Keyed by the lowercased token, the form normalizeToken hands lookup,
	// so case variants of the request path reach the same publication.
	s.mu.Lock()
	s.publications[strings.ToLower(token)] = pub
	s.mu.Unlock()

	s.logger.Info("published video", "video_id", video.ID, "token", token, "size", humanize.Bytes(uint64(video.Size)))

	filename := sanitizeFilename(path.Base(video.Path))
	return fmt.Sprintf("%s/%s/%s", s.baseURL, token, filename), token, nil
}

// Unpublish removes a token from the publication table. Subsequent
// requests for it return 404.
func (s *Server) Unpublish(token string) {
	s.mu.Lock()
	delete(s.publications, strings.ToLower(token))
	s.mu.Unlock()
}

func (s *Server) lookup(token string) (publication, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pub, ok := s.publications[token]
	return pub, ok
}

// Sessions returns a snapshot of every tracked streaming session.
func (s *Server) Sessions() []castplane.StreamingSession {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	out := make([]castplane.StreamingSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out
}

// pruneSessionsLoop periodically reclaims closed/errored sessions so
// s.sessions doesn't grow without bound over a long-running process.
func (s *Server) pruneSessionsLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneSessions()
		}
	}
}

func (s *Server) pruneSessions() {
	cutoff := time.Now().Add(-sessionRetention)

	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	for id, sess := range s.sessions {
		if sess.State != castplane.SessionClosed && sess.State != castplane.SessionErrored {
			continue
		}
		last := sess.LastByteAt
		if last.IsZero() {
			last = sess.FirstByteAt
		}
		if last.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}

// newToken produces a random 16-byte, URL-safe, unpadded base64 token.
func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// normalizeToken canonicalizes an incoming request path to the bare token
// it names. The URL shape is /<token>/<cosmetic filename>[.srt]; only the
// first path segment is ever used for routing, so trailing slashes,
// duplicate slashes, percent-encoding variants, and whatever filename a
// renderer appends or mutates between its probe GET and its later ranged
// GET all resolve to the same publication.
func normalizeToken(reqPath string) (token string, isSubtitle bool) {
	clean := path.Clean("/" + reqPath)
	clean = strings.TrimPrefix(clean, "/")
	clean = strings.ToLower(clean)

	isSubtitle = strings.HasSuffix(clean, ".srt")

	segments := strings.SplitN(clean, "/", 2)
	token = segments[0]
	if len(segments) == 1 && isSubtitle {
		token = strings.TrimSuffix(token, ".srt")
	}
	return token, isSubtitle
}

// sanitizeFilename strips characters that would need escaping in a URL
// path segment, keeping the cosmetic filename readable without risking a
// renderer choking on it.
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "media"
	}
	return b.String()
}
