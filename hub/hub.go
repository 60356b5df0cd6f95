package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/starforge/realmcore/apperrors"
	"github.com/starforge/realmcore/broadcast"
	"github.com/starforge/realmcore/logging"
	"github.com/starforge/realmcore/session"
)

// Handler processes one inbound Envelope from conn.
type Handler func(ctx context.Context, h *Hub, conn *clientConn, env *Envelope)

// Hub accepts WebSocket connections, registers each as a Session (C8), and
// routes inbound/outbound traffic through the Broadcast Router (C9). It
// implements broadcast.Deliverer so the router can reach live connections.
type Hub struct {
	registry *session.Registry
	router   *broadcast.Router
	cfg      Config
	log      *logging.ContextLogger

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*clientConn

	handlersMu sync.RWMutex
	handlers   map[MessageType]Handler
}

// New creates a Hub bound to registry. The returned Hub has no router yet;
// callers must construct a broadcast.Router with this Hub as its Deliverer
// and pass it to AttachRouter before accepting connections, since the router
// and the Hub depend on each other.
func New(registry *session.Registry, cfg Config, logger *logging.ContextLogger) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Hub{
		registry: registry,
		cfg:      cfg,
		log:      logger.WithField("component", "hub.Hub"),
		upgrader: websocket.Upgrader{HandshakeTimeout: cfg.HandshakeTimeout},
		conns:    make(map[string]*clientConn),
		handlers: make(map[MessageType]Handler),
	}
	h.registerDefaultHandlers()
	return h, nil
}

// AttachRouter binds the Broadcast Router this Hub delivers through.
func (h *Hub) AttachRouter(router *broadcast.Router) {
	h.router = router
}

// OnMessage registers a handler for msgType, overriding any default.
func (h *Hub) OnMessage(msgType MessageType, handler Handler) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	h.handlers[msgType] = handler
}

func (h *Hub) registerDefaultHandlers() {
	h.handlers[MessageTypeJoinRoom] = handleJoinRoom
	h.handlers[MessageTypeLeaveRoom] = handleLeaveRoom
	h.handlers[MessageTypeChat] = handleChat
	h.handlers[MessageTypeAction] = handleAction
	h.handlers[MessageTypePong] = handlePong
}

// Accept upgrades r into a WebSocket connection, registers a Session for it
// under connectionID/principalID, and drives its lifecycle in a background
// goroutine. Returns once the connection is accepted and registered; the
// caller does not block on the connection's lifetime.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request, connectionID, principalID string, metadata map[string]string) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvalidArgument, "websocket upgrade failed", err)
	}

	if _, err := h.registry.Register(connectionID, principalID, metadata); err != nil {
		ws.Close()
		return err
	}

	conn := newClientConn(h, connectionID, principalID, ws)
	h.mu.Lock()
	h.conns[connectionID] = conn
	h.mu.Unlock()

	welcome := NewEnvelope(MessageTypeWelcome)
	if data, err := welcome.JSON(); err == nil {
		_ = conn.enqueue(data)
	}

	go conn.run()
	return nil
}

// dispatch validates env's principal claim and routes it to its handler.
func (h *Hub) dispatch(conn *clientConn, env *Envelope) {
	if env.PrincipalID != "" && env.PrincipalID != conn.principalID {
		h.sendError(conn, "principal mismatch")
		return
	}
	_ = h.registry.Touch(conn.id)

	h.handlersMu.RLock()
	handler, ok := h.handlers[env.Type]
	h.handlersMu.RUnlock()
	if !ok {
		h.log.WithField("type", env.Type).Debug("no handler for message type")
		return
	}
	handler(context.Background(), h, conn, env)
}

// handleDisconnect unregisters conn's Session, tells the router its receiver
// has gone offline, and notifies any room it belonged to.
func (h *Hub) handleDisconnect(conn *clientConn) {
	sess, _ := h.registry.Get(conn.id)

	_ = h.registry.Unregister(conn.id, "connection closed")
	if h.router != nil {
		h.router.MarkReceiverOffline(conn.id)
	}

	h.mu.Lock()
	delete(h.conns, conn.id)
	h.mu.Unlock()

	if sess != nil {
		if roomID, ok := sess.Metadata[session.ScopeRoom]; ok && roomID != "" {
			h.broadcastPlayerLeft(roomID, conn.principalID, conn.id)
		}
	}
}

func (h *Hub) sendError(conn *clientConn, reason string) {
	env := NewEnvelope(MessageTypeErrorMsg)
	_ = env.SetPayload(ErrorPayload{Reason: reason})
	data, err := env.JSON()
	if err != nil {
		return
	}
	_ = conn.enqueue(data)
}

func (h *Hub) broadcastPlayerLeft(roomID, principalID, excludeConnID string) {
	if h.router == nil {
		return
	}
	env := NewEnvelope(MessageTypePlayerLeft)
	env.RoomID = roomID
	_ = env.SetPayload(PlayerPresencePayload{RoomID: roomID, PrincipalID: principalID})
	payload, err := env.JSON()
	if err != nil {
		return
	}
	h.router.Route(context.Background(), broadcast.RoutedMessage{
		ID:         env.ID,
		Kind:       broadcast.Room,
		TargetIDs:  []string{roomID},
		ExcludeIDs: []string{excludeConnID},
		Payload:    payload,
	})
}

// Deliver implements broadcast.Deliverer by enqueueing payload on the live
// connection identified by connectionID.
func (h *Hub) Deliver(ctx context.Context, connectionID string, payload []byte) error {
	h.mu.RLock()
	conn, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return apperrors.New(apperrors.KindInvalidArgument, "no live connection").WithKey(connectionID)
	}
	return conn.enqueue(payload)
}

// Default handlers.

func handleJoinRoom(ctx context.Context, h *Hub, conn *clientConn, env *Envelope) {
	var payload JoinRoomPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.RoomID == "" {
		h.sendError(conn, "invalid join_room payload")
		return
	}

	if err := h.registry.JoinGroup(conn.id, session.ScopeRoom, payload.RoomID); err != nil {
		h.sendError(conn, "join_room failed")
		return
	}

	ack := NewEnvelope(MessageTypeRoomJoined)
	ack.RoomID = payload.RoomID
	if data, err := ack.JSON(); err == nil {
		_ = conn.enqueue(data)
	}

	if h.router == nil {
		return
	}
	joined := NewEnvelope(MessageTypePlayerJoined)
	joined.RoomID = payload.RoomID
	_ = joined.SetPayload(PlayerPresencePayload{RoomID: payload.RoomID, PrincipalID: conn.principalID})
	if data, err := joined.JSON(); err == nil {
		h.router.Route(ctx, broadcast.RoutedMessage{
			ID:         joined.ID,
			Kind:       broadcast.Room,
			TargetIDs:  []string{payload.RoomID},
			ExcludeIDs: []string{conn.id},
			Payload:    data,
		})
	}
}

func handleLeaveRoom(ctx context.Context, h *Hub, conn *clientConn, env *Envelope) {
	var payload LeaveRoomPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.RoomID == "" {
		h.sendError(conn, "invalid leave_room payload")
		return
	}

	if err := h.registry.LeaveGroup(conn.id, session.ScopeRoom); err != nil {
		h.sendError(conn, "leave_room failed")
		return
	}

	ack := NewEnvelope(MessageTypeRoomLeft)
	ack.RoomID = payload.RoomID
	if data, err := ack.JSON(); err == nil {
		_ = conn.enqueue(data)
	}

	h.broadcastPlayerLeft(payload.RoomID, conn.principalID, conn.id)
}

func handleChat(ctx context.Context, h *Hub, conn *clientConn, env *Envelope) {
	var payload ChatPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.RoomID == "" {
		h.sendError(conn, "invalid chat payload")
		return
	}
	if h.router == nil {
		return
	}

	out := NewEnvelope(MessageTypeChat)
	out.RoomID = payload.RoomID
	_ = out.SetPayload(payload)
	data, err := out.JSON()
	if err != nil {
		return
	}
	h.router.Route(ctx, broadcast.RoutedMessage{
		ID:        out.ID,
		Kind:      broadcast.Room,
		TargetIDs: []string{payload.RoomID},
		Payload:   data,
	})
}

func handleAction(ctx context.Context, h *Hub, conn *clientConn, env *Envelope) {
	var payload ActionPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.RoomID == "" {
		h.sendError(conn, "invalid action payload")
		return
	}
	if h.router == nil {
		return
	}

	out := NewEnvelope(MessageTypeEvent)
	out.RoomID = payload.RoomID
	_ = out.SetPayload(payload)
	data, err := out.JSON()
	if err != nil {
		return
	}
	h.router.Route(ctx, broadcast.RoutedMessage{
		ID:         out.ID,
		Kind:       broadcast.Room,
		TargetIDs:  []string{payload.RoomID},
		ExcludeIDs: []string{conn.id},
		Payload:    data,
	})
}

func handlePong(ctx context.Context, h *Hub, conn *clientConn, env *Envelope) {
	_ = h.registry.Touch(conn.id)
}
