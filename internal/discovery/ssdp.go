// Package discovery finds UPnP MediaRenderers on the LAN over SSDP and
// reports their appearance, refresh, and departure: separate goroutines
// for the send side and the receive side, both selecting on ctx.Done(),
// sending M-SEARCH, parsing NOTIFY/response headers, and tracking device
// staleness. This package only ever listens for and queries renderers, it
// never advertises.
package discovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"castplane/internal/observability"

	"golang.org/x/net/ipv4"
)

const (
	ssdpAddr      = "239.255.255.250:1900"
	avTransportST = "urn:schemas-upnp-org:service:AVTransport:1"
)

// EventKind identifies what happened to a renderer descriptor.
type EventKind int

const (
	EventAppeared EventKind = iota
	EventRefreshed
	EventByebye
)

func (k EventKind) String() string {
	switch k {
	case EventAppeared:
		return "appeared"
	case EventRefreshed:
		return "refreshed"
	case EventByebye:
		return "byebye"
	default:
		return "unknown"
	}
}

// RendererDescriptor is everything the Discoverer learned about a candidate
// renderer: its SSDP advertisement plus, once fetched, its device
// description.
type RendererDescriptor struct {
	USN          string
	Location     string
	Server       string
	MaxAge       time.Duration
	FriendlyName string
	ControlURL   string
	SupportsSeek bool
}

// Event is delivered to the Discoverer's callback on every state change.
type Event struct {
	Kind       EventKind
	Descriptor RendererDescriptor
}

// emit counts evt against DiscoveryEventsTotal before handing it to onEvent,
// the single choke point every event-producing goroutine routes through.
func emit(onEvent func(Event), evt Event) {
	observability.DiscoveryEventsTotal.WithLabelValues(evt.Kind.String()).Inc()
	onEvent(evt)
}

// Discoverer owns SSDP discovery for one LAN interface. It never touches
// the Controller's renderer table directly; callers fold Events into their
// own state on receipt, preserving the push-from-discovery flow.
type Discoverer struct {
	logger             *slog.Logger
	searchInterval     time.Duration
	descriptionTimeout time.Duration
	missThreshold      int
	httpClient         *http.Client

	mu   sync.Mutex
	seen map[string]*seenDevice
}

type seenDevice struct {
	descriptor   RendererDescriptor
	lastRefresh  time.Time
	missedSweeps int
}

func New(logger *slog.Logger, searchInterval, descriptionTimeout time.Duration, missThreshold int) *Discoverer {
	return &Discoverer{
		logger:             logger,
		searchInterval:     searchInterval,
		descriptionTimeout: descriptionTimeout,
		missThreshold:      missThreshold,
		httpClient:         &http.Client{Timeout: descriptionTimeout},
		seen:               make(map[string]*seenDevice),
	}
}

// Start blocks until ctx is cancelled, running the search-send loop, the
// multicast receive loop, and the staleness sweep concurrently. onEvent may
// be called concurrently from any of the three goroutines and must not
// block.
func (d *Discoverer) Start(ctx context.Context, onEvent func(Event)) error {
	addr, err := net.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		return fmt.Errorf("resolve ssdp address: %w", err)
	}

	recvConn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("listen multicast: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		d.sendSearchLoop(ctx, addr)
	}()

	go func() {
		defer wg.Done()
		defer recvConn.Close()
		d.receiveLoop(ctx, recvConn, onEvent)
	}()

	go func() {
		defer wg.Done()
		d.staleSweepLoop(ctx, onEvent)
	}()

	<-ctx.Done()
	wg.Wait()
	return nil
}

const (
	searchBurstCount   = 3
	searchBurstSpacing = 250 * time.Millisecond
	searchMulticastTTL = 2
)

func (d *Discoverer) sendSearchLoop(ctx context.Context, addr *net.UDPAddr) {
	d.sendSearchBurst(ctx, addr)

	ticker := time.NewTicker(d.searchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sendSearchBurst(ctx, addr)
		}
	}
}

// sendSearchBurst sends three M-SEARCH datagrams 250ms apart at multicast
// TTL 2 per sweep, to survive the occasional dropped multicast datagram
// without flooding the LAN.
func (d *Discoverer) sendSearchBurst(ctx context.Context, addr *net.UDPAddr) {
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		d.logger.Warn("ssdp: dial for M-SEARCH failed", "error", err)
		return
	}
	defer conn.Close()

	if err := ipv4.NewPacketConn(conn).SetMulticastTTL(searchMulticastTTL); err != nil {
		d.logger.Warn("ssdp: set multicast TTL failed", "error", err)
	}

	msg := []byte(fmt.Sprintf(
		"M-SEARCH * HTTP/1.1\r\n"+
			"HOST: %s\r\n"+
			"MAN: \"ssdp:discover\"\r\n"+
			"MX: 2\r\n"+
			"ST: %s\r\n"+
			"\r\n",
		ssdpAddr, avTransportST,
	))

	for i := 0; i < searchBurstCount; i++ {
		if _, err := conn.Write(msg); err != nil {
			d.logger.Warn("ssdp: write M-SEARCH failed", "error", err)
		}
		if i < searchBurstCount-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(searchBurstSpacing):
			}
		}
	}
}

func (d *Discoverer) receiveLoop(ctx context.Context, conn *net.UDPConn, onEvent func(Event)) {
	buf := make([]byte, 4096)
	for {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			d.logger.Warn("ssdp: read error", "error", err)
			continue
		}

		msg := string(buf[:n])
		d.handleMessage(ctx, msg, onEvent)
	}
}

func (d *Discoverer) handleMessage(ctx context.Context, msg string, onEvent func(Event)) {
	lines := strings.Split(msg, "\r\n")
	if len(lines) == 0 {
		return
	}
	headers := parseHeaders(lines[1:])

	switch {
	case strings.HasPrefix(lines[0], "M-SEARCH"):
		// We never advertise ourselves; nothing to answer.
		return
	case strings.HasPrefix(lines[0], "NOTIFY"):
		d.handleNotify(ctx, headers, onEvent)
	case strings.HasPrefix(lines[0], "HTTP/1.1 200"):
		d.handleSearchResponse(ctx, headers, onEvent)
	}
}

func (d *Discoverer) handleNotify(ctx context.Context, headers map[string]string, onEvent func(Event)) {
	nts := strings.ToLower(headers["NTS"])
	nt := headers["NT"]
	usn := headers["USN"]
	location := headers["LOCATION"]

	if !looksLikeRenderer(nt, location) {
		return
	}

	switch nts {
	case "ssdp:alive":
		d.touchOrFetch(ctx, usn, location, headers, onEvent)
	case "ssdp:byebye":
		d.markByebye(usn, onEvent)
	}
}

func (d *Discoverer) handleSearchResponse(ctx context.Context, headers map[string]string, onEvent func(Event)) {
	st := headers["ST"]
	location := headers["LOCATION"]
	usn := headers["USN"]

	if !looksLikeRenderer(st, location) {
		return
	}

	d.touchOrFetch(ctx, usn, location, headers, onEvent)
}

func looksLikeRenderer(stOrNT, location string) bool {
	l := strings.ToLower(stOrNT)
	loc := strings.ToLower(location)
	return strings.Contains(l, "mediarenderer") ||
		strings.Contains(l, "avtransport") ||
		strings.Contains(l, "renderingcontrol") ||
		strings.Contains(loc, "render")
}

// touchOrFetch refreshes an already-known descriptor in place, or spawns a
// fetch goroutine for a brand new USN. Fetch failures within the
// description timeout drop the candidate silently.
func (d *Discoverer) touchOrFetch(ctx context.Context, usn, location string, headers map[string]string, onEvent func(Event)) {
	if usn == "" || location == "" {
		return
	}

	d.mu.Lock()
	existing, known := d.seen[usn]
	if known {
		existing.lastRefresh = time.Now()
		existing.missedSweeps = 0
	}
	d.mu.Unlock()

	if known {
		emit(onEvent, Event{Kind: EventRefreshed, Descriptor: existing.descriptor})
		return
	}

	maxAge := parseMaxAge(headers["CACHE-CONTROL"])

	go d.fetchAndAnnounce(ctx, usn, location, headers["SERVER"], maxAge, onEvent)
}

func (d *Discoverer) fetchAndAnnounce(ctx context.Context, usn, location, server string, maxAge time.Duration, onEvent func(Event)) {
	fetchCtx, cancel := context.WithTimeout(ctx, d.descriptionTimeout)
	defer cancel()

	desc, err := d.fetchDescription(fetchCtx, location)
	if err != nil {
		d.logger.Debug("ssdp: dropping candidate, description fetch failed", "usn", usn, "error", err)
		return
	}
	desc.USN = usn
	desc.Location = location
	desc.Server = server
	desc.MaxAge = maxAge

	d.mu.Lock()
	d.seen[usn] = &seenDevice{descriptor: desc, lastRefresh: time.Now()}
	d.mu.Unlock()

	emit(onEvent, Event{Kind: EventAppeared, Descriptor: desc})
}

func (d *Discoverer) markByebye(usn string, onEvent func(Event)) {
	d.mu.Lock()
	dev, ok := d.seen[usn]
	if ok {
		delete(d.seen, usn)
	}
	d.mu.Unlock()

	if ok {
		emit(onEvent, Event{Kind: EventByebye, Descriptor: dev.descriptor})
	}
}

// staleSweepLoop emits byebye for any device not refreshed within 2.5x its
// advertised max-age, covering renderers that drop off the network without
// sending an explicit ssdp:byebye.
func (d *Discoverer) staleSweepLoop(ctx context.Context, onEvent func(Event)) {
	ticker := time.NewTicker(d.searchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepStale(onEvent)
		}
	}
}

func (d *Discoverer) sweepStale(onEvent func(Event)) {
	now := time.Now()

	var stale []seenDevice
	d.mu.Lock()
	for usn, dev := range d.seen {
		maxAge := dev.descriptor.MaxAge
		if maxAge <= 0 {
			maxAge = 30 * time.Minute
		}
		if now.Sub(dev.lastRefresh) > time.Duration(2.5*float64(maxAge)) {
			stale = append(stale, *dev)
			delete(d.seen, usn)
		}
	}
	d.mu.Unlock()

	for _, dev := range stale {
		emit(onEvent, Event{Kind: EventByebye, Descriptor: dev.descriptor})
	}
}

func parseMaxAge(cacheControl string) time.Duration {
	const prefix = "max-age="
	idx := strings.Index(strings.ToLower(cacheControl), prefix)
	if idx < 0 {
		return 0
	}
	rest := cacheControl[idx+len(prefix):]
	var secs int
	if _, err := fmt.Sscanf(rest, "%d", &secs); err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func parseHeaders(lines []string) map[string]string {
	headers := make(map[string]string)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		headers[strings.ToUpper(strings.TrimSpace(parts[0]))] = strings.TrimSpace(parts[1])
	}
	return headers
}

// fetchDescription retrieves and extracts the AVTransport control URL and
// friendly name from a renderer's device description document.
func (d *Discoverer) fetchDescription(ctx context.Context, location string) (RendererDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return RendererDescriptor{}, err
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return RendererDescriptor{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RendererDescriptor{}, fmt.Errorf("description fetch: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return RendererDescriptor{}, err
	}

	doc := string(raw)
	controlURL := extractControlURL(doc, avTransportST)
	if controlURL == "" {
		return RendererDescriptor{}, fmt.Errorf("no AVTransport control URL in description")
	}
	controlURL = resolveURL(location, controlURL)

	return RendererDescriptor{
		FriendlyName: extractXMLValue(doc, "friendlyName"),
		ControlURL:   controlURL,
		SupportsSeek: true, // assumed: service descriptions (SCPD) are not parsed
	}, nil
}
