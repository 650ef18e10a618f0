package hmr

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cameron-webmatter/pulse/pkg/transform"
)

// hashString produces the strong content hash ModuleNode.ContentHash
// stores: a truncated sha256 hex digest, cheap to compare and short
// enough to log.
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h)[:16]
}

// SocketState mirrors the W3C WebSocket readyState values the protocol's
// collaborator interface assumes.
type SocketState int

const (
	SocketConnecting SocketState = iota
	SocketOpen
	SocketClosing
	SocketClosed
)

// ClientRecord is the per-connection bookkeeping the server keeps: which
// modules that client has reported loaded, and the transport handle used
// to reach it.
type ClientRecord struct {
	mu            sync.Mutex
	ID            string
	LoadedModules map[ModuleID]struct{}
	state         SocketState
	conn          *websocket.Conn
	send          chan Message
}

func (c *ClientRecord) State() SocketState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ClientRecord) markLoaded(id ModuleID) {
	c.mu.Lock()
	c.LoadedModules[id] = struct{}{}
	c.mu.Unlock()
}

func (c *ClientRecord) hasLoaded(id ModuleID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.LoadedModules[id]
	return ok
}

// ClientRegistry tracks every open connection and answers the reverse
// lookup "which clients have module X loaded", which the orchestrator
// needs on every plan to know who to push to.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*ClientRecord
}

func newClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[*websocket.Conn]*ClientRecord)}
}

func (r *ClientRegistry) add(conn *websocket.Conn, rec *ClientRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[conn] = rec
}

func (r *ClientRegistry) remove(conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, conn)
}

// LoadedBy returns every client record that has reported id loaded.
func (r *ClientRegistry) LoadedBy(id ModuleID) []*ClientRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ClientRecord
	for _, rec := range r.clients {
		if rec.hasLoaded(id) {
			out = append(out, rec)
		}
	}
	return out
}

// IsLoadedByAny reports whether any connected client currently has id
// loaded — used by ModuleGraph pruning and UpdatePlanner.prunedModules.
func (r *ClientRegistry) IsLoadedByAny(id ModuleID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.clients {
		if rec.hasLoaded(id) {
			return true
		}
	}
	return false
}

func (r *ClientRegistry) all() []*ClientRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ClientRecord, 0, len(r.clients))
	for _, rec := range r.clients {
		out = append(out, rec)
	}
	return out
}

// Transformer is the injected collaborator that turns a file's raw
// source into transformed code plus its dependency and export lists.
// transform.RegexTransformer is the default implementation; tests supply
// fakes.
type Transformer = transform.Transformer

// TransformResult is what a Transformer produces for one file.
type TransformResult = transform.Result

// ServerOptions configures a Server. Transformer is required (NewServer
// panics without one); the other zero-valued fields fall back to the
// defaults NewUpdateBatcher/NewModuleGraph apply on their own.
type ServerOptions struct {
	Root           string
	Transformer    Transformer
	ProjectEntries []ModuleID
	Batcher        BatcherOptions
	Logger         *zap.Logger
}

// Server is the HMR orchestrator: it owns the ModuleGraph, the
// UpdatePlanner, the UpdateBatcher, the ClientRegistry and the transport
// listener, and wires a watcher's file-change notifications through
// transform → graph update → plan → protocol push.
type Server struct {
	root        string
	transformer Transformer
	graph       *ModuleGraph
	planner     *UpdatePlanner
	batcher     *UpdateBatcher
	clients     *ClientRegistry
	upgrader    websocket.Upgrader
	log         *zap.Logger

	entries map[ModuleID]struct{} // project entries, tracked as "pages" in usage
	usage   *UsageIndex

	dirty map[ModuleID]bool // ClientApplyError bookkeeping: force full-reload next update
	mu    sync.Mutex
}

func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Transformer == nil {
		panic("hmr: NewServer requires a Transformer")
	}

	graph := NewModuleGraph()
	entries := make(map[ModuleID]struct{}, len(opts.ProjectEntries))
	for _, id := range opts.ProjectEntries {
		graph.MarkEntry(id)
		entries[id] = struct{}{}
	}

	clients := newClientRegistry()

	s := &Server{
		root:        opts.Root,
		transformer: opts.Transformer,
		graph:       graph,
		clients:     clients,
		upgrader:    websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		log:         opts.Logger,
		entries:     entries,
		usage:       NewUsageIndex(),
		dirty:       make(map[ModuleID]bool),
	}
	s.planner = NewUpdatePlanner(graph, clients.IsLoadedByAny)
	opts.Batcher.Logger = opts.Logger
	s.batcher = NewUpdateBatcher(s.handleBatch, opts.Batcher)

	return s
}

// Graph exposes the underlying ModuleGraph for test and tooling access;
// per the shared-resource policy callers must not retain references to
// its internal sets across suspension points.
func (s *Server) Graph() *ModuleGraph { return s.graph }

// Usage exposes the reverse usage-site index for test and tooling
// access, same access policy as Graph.
func (s *Server) Usage() *UsageIndex { return s.usage }

// NotifyChange is the watcher collaborator's entry point: enqueue file
// for the next batch at priority.
func (s *Server) NotifyChange(file ModuleID, priority Priority) *Completion {
	return s.batcher.Enqueue(file, priority)
}

// Close stops the batcher's workers and closes every open connection.
func (s *Server) Close() {
	s.batcher.Close()
	for _, rec := range s.clients.all() {
		rec.conn.Close()
	}
}

// HandleWebSocket upgrades an incoming HTTP request to a WebSocket
// connection and runs its read loop until the client disconnects.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	rec := &ClientRecord{
		ID:            r.RemoteAddr,
		LoadedModules: make(map[ModuleID]struct{}),
		state:         SocketOpen,
		conn:          conn,
		send:          make(chan Message, 64),
	}
	s.clients.add(conn, rec)

	go s.writePump(rec)
	s.readPump(rec)
}

func (s *Server) writePump(rec *ClientRecord) {
	for msg := range rec.send {
		data, err := EncodeMessage(msg)
		if err != nil {
			s.log.Debug("encode failed, dropping message", zap.String("client", rec.ID), zap.Error(err))
			continue
		}
		if err := rec.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.log.Debug("write failed, dropping client", zap.String("client", rec.ID), zap.Error(TransportError(err)))
			s.disconnect(rec)
			return
		}
	}
}

func (s *Server) readPump(rec *ClientRecord) {
	defer s.disconnect(rec)

	for {
		_, data, err := rec.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			s.log.Debug("ignoring malformed client message", zap.Error(err))
			continue
		}
		s.handleClientMessage(rec, msg)
	}
}

func (s *Server) handleClientMessage(rec *ClientRecord, msg Message) {
	switch msg.Type {
	case MsgTypeModuleLoaded:
		rec.markLoaded(ModuleID(msg.File))
	case MsgTypeApplyError:
		s.log.Warn("client accept callback threw, forcing full reload on next change",
			zap.String("client", rec.ID), zap.String("file", msg.File), zap.String("error", msg.Error))
		s.MarkClientApplyError(ModuleID(msg.File))
	default:
		s.log.Debug("ignoring unknown client message type", zap.String("type", string(msg.Type)))
	}
}

func (s *Server) disconnect(rec *ClientRecord) {
	rec.mu.Lock()
	if rec.state == SocketClosed {
		rec.mu.Unlock()
		return
	}
	rec.state = SocketClosed
	rec.mu.Unlock()

	close(rec.send)
	s.clients.remove(rec.conn)
	rec.conn.Close()
}

func (s *Server) send(rec *ClientRecord, msg Message) {
	if rec.State() != SocketOpen {
		return
	}
	select {
	case rec.send <- msg:
	default:
		s.log.Warn("dropping message, client send buffer full", zap.String("client", rec.ID))
	}
}

// handleBatch is the UpdateBatcher's BatchHandler: for each file in the
// batch it reads, transforms, updates the graph, plans and pushes the
// result, run once per distinct file in the batch.
func (s *Server) handleBatch(ctx context.Context, files []ModuleID) (map[ModuleID]error, error) {
	results := make(map[ModuleID]error, len(files))
	for _, file := range files {
		results[file] = s.processOne(file)
	}
	return results, nil
}

func (s *Server) processOne(file ModuleID) error {
	now := time.Now().UnixMilli()

	raw, err := os.ReadFile(filepath.Join(s.root, string(file)))
	if err != nil {
		wrapped := IOError(file, err)
		s.sendError(file, wrapped, now)
		return wrapped
	}

	// HMR is attempted for every module; a module opts out of propagation
	// by declining rather than the server withholding hot state upfront.
	const hmrEnabled = true
	result, err := s.transformer.Transform(string(file), raw, hmrEnabled)
	if err != nil {
		wrapped := ParseError(file, err)
		s.sendError(file, wrapped, now)
		return wrapped
	}

	deps := make([]ModuleID, len(result.Deps))
	for i, d := range result.Deps {
		deps[i] = ModuleID(d)
	}

	contentHash := hashString(result.Code)
	if node := s.graph.GetModule(file); node != nil && node.ContentHash == contentHash {
		return nil // unchanged content is a no-op: no graph mutation, no notification.
	}

	s.mu.Lock()
	wasDirty := s.dirty[file]
	delete(s.dirty, file)
	s.mu.Unlock()

	prunedNow := s.graph.UpdateModule(file, result.Code, contentHash, deps, hmrEnabled, s.clients.IsLoadedByAny)
	if _, isEntry := s.entries[file]; isEntry {
		s.usage.TrackPageModules(file, deps)
	}

	plan := s.planner.Plan(file, prunedNow)

	if wasDirty {
		plan.RequiresFullReload = true
	}

	s.dispatchPlan(file, plan, now)
	return nil
}

func (s *Server) dispatchPlan(changed ModuleID, plan UpdatePlan, timestamp int64) {
	if plan.RequiresFullReload {
		seen := make(map[*ClientRecord]bool)
		for _, id := range plan.Chain {
			for _, rec := range s.clients.LoadedBy(id) {
				if !seen[rec] {
					seen[rec] = true
					s.send(rec, newFullReloadMessage(""))
				}
			}
		}
	} else {
		for _, id := range plan.Chain {
			for _, rec := range s.clients.LoadedBy(id) {
				s.send(rec, newUpdateMessage(id, timestamp))
			}
		}
	}

	if len(plan.PrunedModules) > 0 {
		msg := newPruneMessage(plan.PrunedModules)
		for _, rec := range s.clients.all() {
			s.send(rec, msg)
		}
	}

	if affected := s.usage.AffectedPages(changed); len(affected) > 0 {
		pages := make([]string, len(affected))
		for i, p := range affected {
			pages[i] = string(p)
		}
		s.log.Debug("change affects declared pages", zap.String("file", string(changed)), zap.Strings("pages", pages))
	}
}

// sendError pushes err to every client that has file loaded, but only if
// its kind is one clients should see; a graph-invariant bug or a
// transport failure is logged server-side instead of surfaced in the
// browser overlay.
func (s *Server) sendError(file ModuleID, err error, timestamp int64) {
	if !IsUserVisible(err) {
		s.log.Warn("suppressing non-user-visible error", zap.String("file", string(file)), zap.Error(err))
		return
	}
	msg := newErrorMessage(file, err, timestamp)
	for _, rec := range s.clients.LoadedBy(file) {
		s.send(rec, msg)
	}
}

// MarkClientApplyError records that an acceptCallback threw on some
// client for file; the next successful update to file forces a
// full-reload instead of a patch. Reached via an incoming apply-error
// message from a client whose accept callback panicked.
func (s *Server) MarkClientApplyError(file ModuleID) {
	s.mu.Lock()
	s.dirty[file] = true
	s.mu.Unlock()
}

// BroadcastWasmReload pushes a wasm-reload message to every client that
// has file loaded — the one message kind outside the patch/full-reload
// split, for binary modules that can never be source-patched.
func (s *Server) BroadcastWasmReload(file ModuleID, hash string) {
	msg := newWasmReloadMessage(string(file), hash)
	for _, rec := range s.clients.LoadedBy(file) {
		s.send(rec, msg)
	}
}
