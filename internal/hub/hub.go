// Package hub implements the per-process multiplexer: it accepts websocket
// connections, applies admission control, routes each to the right document
// coordinator, and terminates a control-plane HTTP surface on the same
// listening port. One http.Server carries both concerns; the upgrade to the
// framed duplex protocol goes through github.com/gorilla/websocket.
package hub

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gorilla/websocket"

	"github.com/MaximeRivest/mrmd-sync/internal/broadcast"
	"github.com/MaximeRivest/mrmd-sync/internal/config"
	"github.com/MaximeRivest/mrmd-sync/internal/coordinator"
	"github.com/MaximeRivest/mrmd-sync/internal/docname"
	"github.com/MaximeRivest/mrmd-sync/internal/errs"
	"github.com/MaximeRivest/mrmd-sync/internal/logging"
	"github.com/MaximeRivest/mrmd-sync/internal/storage"
	"github.com/MaximeRivest/mrmd-sync/internal/watcher"
)

// redisOrigin tags updates that arrived from another process via the
// optional Redis broadcaster, so a coordinator's own hook never republishes
// them right back to Redis.
const redisOrigin = "__mrmd-sync-redis__"

// docEntry is one live coordinator and the means to tear it down.
type docEntry struct {
	coord  *coordinator.Coordinator
	cancel context.CancelFunc
}

// Hub is the per-process multiplexer. Construct with New, then call
// ListenAndServe; Close triggers the graceful shutdown path.
type Hub struct {
	cfg     *config.Config
	log     *logging.Logger
	backend *meteredBackend
	metrics *metrics

	upgrader websocket.Upgrader
	snow     *snowflake.Node

	server *http.Server

	mu   sync.Mutex
	docs map[string]*docEntry

	activeConns  int64
	shuttingDown bool
	shutdownOnce sync.Once

	watch       *watcher.Watcher
	watchCancel context.CancelFunc
	broadcaster broadcast.Broadcaster

	wg sync.WaitGroup
}

// New builds a Hub. backend must already be open; neither New nor Close
// calls backend.Close, which stays the caller's job. If backend is the filesystem kind,
// the hub arms its external-change stream and wires ApplyExternalChange
// for every coordinator it creates.
func New(cfg *config.Config, backend storage.Backend, logger *logging.Logger) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("hub: create connection id generator: %w", err)
	}

	m := newMetrics()
	h := &Hub{
		cfg:     cfg,
		log:     logger,
		backend: newMeteredBackend(backend, m),
		metrics: m,
		snow:    node,
		docs:    make(map[string]*docEntry),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	if fb, ok := backend.(*storage.FileBackend); ok {
		w, err := fb.EnableWatch(cfg.Debounce())
		if err != nil {
			return nil, err
		}
		h.watch = w
	}

	if cfg.RedisBroadcastAddr != "" {
		origin := fmt.Sprintf("%s-%d", redisOrigin, os.Getpid())
		b, err := broadcast.NewRedisBroadcaster(context.Background(), cfg.RedisBroadcastAddr, origin)
		if err != nil {
			return nil, fmt.Errorf("hub: %w", err)
		}
		h.broadcaster = b
	}

	return h, nil
}

// Handler returns the hub's control-plane-plus-socket-upgrade HTTP
// handler without starting a listener, so tests can drive it with
// httptest.NewServer.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/metrics", h.handleMetrics)
	mux.HandleFunc("/stats", h.handleStats)
	mux.HandleFunc("/", h.handleRoot)
	return corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.Hooks != nil && h.cfg.Hooks.HandleRequest(w, r) {
			return
		}
		mux.ServeHTTP(w, r)
	}))
}

// ListenAndServe starts the HTTP/websocket listener and the filesystem
// watcher loop (if any), blocking until the server stops. It returns
// http.ErrServerClosed on a graceful Close, matching net/http.Server's own
// convention.
func (h *Hub) ListenAndServe() error {
	h.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", h.cfg.Port),
		Handler: h.Handler(),
	}

	if h.watch != nil {
		ctx, cancel := context.WithCancel(context.Background())
		h.mu.Lock()
		h.watchCancel = cancel
		h.mu.Unlock()
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.watch.Run(ctx)
		}()
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.watchLoop()
		}()
	}

	h.log.Infof("hub: listening on %s (dir=%s storage=%s)", h.server.Addr, h.cfg.Dir, h.cfg.StorageKind)
	err := h.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return fmt.Errorf("hub: listen: %w", err)
}

// watchLoop routes external-change events from the filesystem watcher to
// the coordinator that owns each path. Events for a path no live
// coordinator owns are logged and dropped (errs.InternalInvariantError).
func (h *Hub) watchLoop() {
	for {
		var ev watcher.Event
		select {
		case <-h.watch.Done():
			return
		case ev = <-h.watch.Events():
		}
		if ev.Err != nil {
			h.log.Warnf("hub: watcher error: %v", ev.Err)
			continue
		}
		name, ok := h.backend.PathToName(ev.Path)
		if !ok {
			h.log.Warnf("hub: %v", &errs.InternalInvariantError{Detail: "watcher event for unowned path " + ev.Path})
			continue
		}
		h.mu.Lock()
		entry, exists := h.docs[name]
		h.mu.Unlock()
		if !exists {
			h.log.Warnf("hub: %v", &errs.InternalInvariantError{Detail: "watcher event for document with no live coordinator: " + name})
			continue
		}
		entry.coord.ApplyExternalChange(ev.Text)
	}
}

// isWebSocketUpgrade reports whether r asks to upgrade to a websocket
// connection, the signal this hub uses to distinguish a duplex-socket
// client from a plain HTTP request — both share one port and path space.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func (h *Hub) handleRoot(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		h.handleBanner(w, r)
		return
	}
	h.handleSocketUpgrade(w, r)
}

// resolveDocName derives the document name from the request path: strip
// the configured prefix, URL-decode, validate, and append the default
// document extension if the name doesn't already carry one.
func (h *Hub) resolveDocName(r *http.Request) (string, error) {
	raw := docname.StripPrefix(r.URL.Path, h.cfg.PathPrefix)
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", &errs.AdmissionError{Reason: errs.AdmissionNameInvalid, Detail: "undecodable path"}
	}
	if !docname.Validate(decoded) {
		return "", &errs.AdmissionError{Reason: errs.AdmissionNameInvalid, Detail: decoded}
	}
	// Rooted names may fall outside the directory the watcher is scoped
	// to, so external edits to them would go unobserved; in filesystem
	// mode they are refused outright.
	if h.watch != nil && docname.IsRooted(decoded) {
		return "", &errs.AdmissionError{Reason: errs.AdmissionNameInvalid, Detail: "rooted names are not served in filesystem mode"}
	}
	name := docname.WithExtension(decoded, h.cfg.DocumentExtensions, h.cfg.DocumentExtensions[0])
	return name, nil
}

func closeCodeFor(reason errs.AdmissionReason) (int, string) {
	switch reason {
	case errs.AdmissionShuttingDown:
		return websocket.CloseGoingAway, "shutting down"
	case errs.AdmissionNameInvalid, errs.AdmissionUnauthorized:
		return websocket.ClosePolicyViolation, "policy violation"
	case errs.AdmissionAuthError:
		return websocket.CloseInternalServerErr, "internal auth error"
	case errs.AdmissionCapacity:
		return websocket.CloseTryAgainLater, "try again later"
	default:
		return websocket.CloseInternalServerErr, "internal error"
	}
}

// handleSocketUpgrade runs the per-connection admission sequence. Every
// refusal still completes the websocket handshake so the rejection can be
// communicated with the protocol's own close codes. No coordinator or
// storage state is touched before the name, shutdown, total-capacity and
// auth checks pass; the per-document cap is checked after the coordinator
// has been obtained (and, for a new document, loaded from storage).
func (h *Hub) handleSocketUpgrade(w http.ResponseWriter, r *http.Request) {
	docName, admitErr := h.resolveDocName(r)

	if admitErr == nil && h.cfg.Hooks != nil && h.cfg.Hooks.HandleConnection(w, r, docName) {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("hub: websocket upgrade: %v", err)
		return
	}

	if admitErr != nil {
		var ae *errs.AdmissionError
		if errors.As(admitErr, &ae) {
			code, reason := closeCodeFor(ae.Reason)
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		}
		conn.Close()
		return
	}

	if h.isShuttingDown() {
		code, reason := closeCodeFor(errs.AdmissionShuttingDown)
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		conn.Close()
		return
	}

	if !h.admitCapacity() {
		code, reason := closeCodeFor(errs.AdmissionCapacity)
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		conn.Close()
		return
	}

	if h.cfg.Hooks != nil {
		ok, err := h.cfg.Hooks.Authorize(r, docName)
		if err != nil {
			h.releaseCapacity()
			h.metrics.incErrors()
			code, reason := closeCodeFor(errs.AdmissionAuthError)
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
			conn.Close()
			return
		}
		if !ok {
			h.releaseCapacity()
			code, reason := closeCodeFor(errs.AdmissionUnauthorized)
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
			conn.Close()
			return
		}
	}

	coord, err := h.getOrCreate(docName)
	if err != nil {
		h.releaseCapacity()
		h.metrics.incErrors()
		h.log.Errorf("hub: %s: %v", docName, err)
		code, reason := closeCodeFor(errs.AdmissionAuthError)
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		conn.Close()
		return
	}
	if coord.ConnectionCount() >= h.cfg.MaxConnectionsPerDoc {
		h.releaseCapacity()
		code, reason := closeCodeFor(errs.AdmissionCapacity)
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		conn.Close()
		return
	}

	h.serve(conn, docName, coord)
}

func (h *Hub) admitCapacity() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(h.activeConns) >= h.cfg.MaxConnections {
		return false
	}
	h.activeConns++
	return true
}

func (h *Hub) releaseCapacity() {
	h.mu.Lock()
	h.activeConns--
	h.mu.Unlock()
}

func (h *Hub) isShuttingDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shuttingDown
}

// getOrCreate returns the coordinator for name, constructing one if none
// exists yet. Construction and map insertion happen under the same lock,
// so two concurrent connects to a brand-new name can never race into two
// coordinators.
func (h *Hub) getOrCreate(name string) (*coordinator.Coordinator, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if entry, ok := h.docs[name]; ok {
		return entry.coord, nil
	}

	c, err := coordinator.New(name, h.cfg, h.backend, h.log)
	if err != nil {
		return nil, fmt.Errorf("create coordinator: %w", err)
	}
	h.log.Infof("hub: %s: opened", name)

	if h.broadcaster != nil {
		h.wireBroadcast(name, c)
	}
	if err := h.backend.Watch(name); err != nil {
		h.log.Warnf("hub: %s: watch: %v", name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entry := &docEntry{coord: c, cancel: cancel}
	h.docs[name] = entry

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.Run(ctx)
	}()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.superviseIdle(name, entry)
	}()

	return c, nil
}

// superviseIdle watches a single coordinator's Evicted signal and tears it
// down, re-checking ConnectionCount to resolve the race against a client
// reconnecting just as the timer fired.
func (h *Hub) superviseIdle(name string, entry *docEntry) {
	for {
		select {
		case <-entry.coord.Evicted():
		case <-entry.coord.Done():
			return
		}
		// A client may have joined between the timer firing and now; if
		// so, keep supervising and wait for the next idle period.
		if entry.coord.ConnectionCount() == 0 {
			break
		}
	}

	h.mu.Lock()
	if h.docs[name] != entry {
		h.mu.Unlock()
		return
	}
	delete(h.docs, name)
	h.mu.Unlock()

	h.backend.Unwatch(name)
	entry.cancel()
	<-entry.coord.Done()
	h.log.Infof("hub: %s: evicted after idle timeout", name)
}

// wireBroadcast hooks c's updates to the optional cross-process
// broadcaster: every locally-applied update (from a
// client or from external-change reconciliation) is republished, and every
// remote update received over the broadcaster is folded back in through
// the same path a client edit would take, tagged with redisOrigin so it is
// never echoed back out.
func (h *Hub) wireBroadcast(name string, c *coordinator.Coordinator) {
	c.SetRemoteHook(func(blob []byte, origin string) {
		if origin == redisOrigin {
			return
		}
		if err := h.broadcaster.Publish(context.Background(), name, blob); err != nil {
			h.log.Warnf("hub: %s: broadcast publish: %v", name, err)
		}
	})
	if _, err := h.broadcaster.Subscribe(context.Background(), name, func(blob []byte) {
		c.ApplyClientUpdate(redisOrigin, blob)
	}); err != nil {
		h.log.Errorf("hub: %s: broadcast subscribe: %v", name, err)
	}
}

// serve registers a newly admitted connection with coord and runs its
// read/write/heartbeat loops until it disconnects.
func (h *Hub) serve(conn *websocket.Conn, docName string, coord *coordinator.Coordinator) {
	id := h.snow.Generate().String()
	sock := newSocket(id, conn, h.metrics, h.cfg.MaxMessageSize, 64)
	h.metrics.connectionOpened()

	go sock.writeLoop()
	go sock.heartbeat(h.cfg.PingInterval())

	coord.Join(sock)

	defer func() {
		coord.Leave(id)
		sock.closeOnce.Do(func() { close(sock.closed) })
		conn.Close()
		h.metrics.connectionClosed()
		h.releaseCapacity()
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		h.metrics.messageIn(len(data))
		h.handleFrame(coord, id, data)
	}
}

func (h *Hub) handleFrame(coord *coordinator.Coordinator, clientID string, data []byte) {
	disc, n := decodeDiscriminant(data)
	if n <= 0 {
		h.log.Warnf("hub: client %s: %v", clientID, &errs.FrameError{Reason: "truncated frame discriminant"})
		h.metrics.incErrors()
		return
	}
	payload := data[n:]
	switch disc {
	case wireSync:
		coord.ApplyClientSync(clientID, payload)
	case wirePresence:
		coord.ApplyClientPresence(clientID, payload)
	default:
		h.log.Warnf("hub: client %s: %v", clientID, &errs.FrameError{Reason: fmt.Sprintf("unknown frame discriminant %d", disc)})
		h.metrics.incErrors()
	}
}

// decodeDiscriminant reads the variable-length unsigned integer leading
// every frame, returning (value, bytesConsumed); bytesConsumed<=0 signals
// a malformed frame.
func decodeDiscriminant(data []byte) (uint64, int) {
	return binary.Uvarint(data)
}

// Close triggers the graceful shutdown path: stop accepting new
// connections, flush every open coordinator, then stop the HTTP server.
// Idempotent; a second call is a no-op.
func (h *Hub) Close(ctx context.Context) error {
	var shutdownErr error
	h.shutdownOnce.Do(func() {
		h.mu.Lock()
		h.shuttingDown = true
		entries := make([]*docEntry, 0, len(h.docs))
		for _, e := range h.docs {
			entries = append(entries, e)
		}
		h.mu.Unlock()

		for _, e := range entries {
			e.cancel()
			<-e.coord.Done()
		}

		if h.server != nil {
			shutdownErr = h.server.Shutdown(ctx)
		}
		if h.broadcaster != nil {
			h.broadcaster.Close()
		}
		h.mu.Lock()
		watchCancel := h.watchCancel
		h.mu.Unlock()
		if watchCancel != nil {
			watchCancel()
		}
		h.wg.Wait()
	})
	return shutdownErr
}

// DocumentCount reports how many coordinators are currently open.
func (h *Hub) DocumentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.docs)
}
