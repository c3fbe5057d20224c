package mediaserver

import (
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"castplane/internal/castplane"
	"castplane/internal/observability"

	"github.com/gofrs/uuid/v5"
)

const dlnaServerField = "UPnP/1.0 DLNA/1.50"

// statusRecorder wraps http.ResponseWriter to capture the status code the
// handler ultimately wrote, so the deferred metrics observation below
// knows what happened without relying on handle's many early returns to
// report it individually.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// handle serves one GET/HEAD against the publication table. Grounded on the
// teacher's internal/api/stream.go: DLNA headers are set before
// http.ServeContent is called (headers written after WriteHeader is called
// internally are silently dropped), and session accounting brackets the
// call the way observability.ActiveStreams.Inc()/Dec() does there.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	token, isSubtitle := normalizeToken(r.URL.Path)
	kind := "media"
	if isSubtitle {
		kind = "subtitle"
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	defer func() {
		observability.RequestDuration.WithLabelValues(r.Method, kind).Observe(time.Since(start).Seconds())
		observability.RequestsTotal.WithLabelValues(r.Method, kind, strconv.Itoa(rec.status)).Inc()
	}()
	w = rec

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pub, ok := s.lookup(token)
	if !ok {
		http.NotFound(w, r)
		return
	}

	path := pub.AbsPath
	contentType := pub.MIME
	if isSubtitle {
		if pub.SubtitlePath == "" {
			http.NotFound(w, r)
			return
		}
		path = pub.SubtitlePath
		contentType = "application/x-subrip"
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "media file no longer present", http.StatusGone)
			return
		}
		http.Error(w, "file access error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "file access error", http.StatusInternalServerError)
		return
	}

	session := s.beginSession(pub.VideoID, r)

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Server", dlnaServerField)

	if isSubtitle {
		w.Header().Set("transferMode.dlna.org", "Interactive")
	} else {
		w.Header().Set("transferMode.dlna.org", "Streaming")
		w.Header().Set("contentFeatures.dlna.org", contentFeatures(pub.Profile))
	}

	observability.ActiveStreams.Inc()
	defer observability.ActiveStreams.Dec()

	counting := &byteCountingWriter{ResponseWriter: w, session: session, onWrite: s.recordBytes}
	http.ServeContent(counting, r, path, info.ModTime(), f)
	s.endSession(session, counting.writeErr)
}

func contentFeatures(profile string) string {
	if profile == "" {
		return "DLNA.ORG_OP=01;DLNA.ORG_CI=0;DLNA.ORG_FLAGS=01700000000000000000000000000000"
	}
	return "DLNA.ORG_PN=" + profile + ";DLNA.ORG_OP=01;DLNA.ORG_CI=0;DLNA.ORG_FLAGS=01700000000000000000000000000000"
}

func (s *Server) beginSession(videoID castplane.VideoID, r *http.Request) *castplane.StreamingSession {
	id, err := uuid.NewV7()
	sessID := id.String()
	if err != nil {
		sessID = strconv.FormatInt(time.Now().UnixNano(), 36)
	}

	clientIP := r.RemoteAddr
	if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		clientIP = host
	}

	sess := &castplane.StreamingSession{
		SessionID:   sessID,
		VideoID:     videoID,
		FirstByteAt: time.Now(),
		ClientIP:    clientIP,
		State:       castplane.SessionOpening,
	}

	s.sessionsMu.Lock()
	s.sessions[sessID] = sess
	s.sessionsMu.Unlock()

	return sess
}

func (s *Server) recordBytes(sess *castplane.StreamingSession, n int) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	sess.BytesServed += int64(n)
	sess.LastByteAt = time.Now()
	sess.State = castplane.SessionServing
}

// endSession closes out a session once http.ServeContent returns: a nil
// writeErr means the response was written to completion (or the client
// disconnected cleanly after a partial range), anything else means the
// write to the client failed mid-stream.
func (s *Server) endSession(sess *castplane.StreamingSession, writeErr error) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if writeErr != nil {
		sess.State = castplane.SessionErrored
		return
	}
	sess.State = castplane.SessionClosed
}

// byteCountingWriter wraps http.ResponseWriter so every chunk
// http.ServeContent writes also updates the StreamingSession's byte count
// and records the first write error the handler sees.
type byteCountingWriter struct {
	http.ResponseWriter
	session  *castplane.StreamingSession
	onWrite  func(*castplane.StreamingSession, int)
	writeErr error
}

func (w *byteCountingWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	if n > 0 {
		w.onWrite(w.session, n)
	}
	if err != nil && w.writeErr == nil {
		w.writeErr = err
	}
	return n, err
}

var _ io.Writer = (*byteCountingWriter)(nil)
