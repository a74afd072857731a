// Package ws is the wire protocol gateway: it terminates per-agent
// WebSocket connections, performs the config handshake, relays heartbeats,
// executes authorized queries, and streams change notifications outward.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"syncmesh.ai/internal/engine"
	"syncmesh.ai/internal/fanout"
	"syncmesh.ai/internal/perm"
	"syncmesh.ai/internal/protocol"
	"syncmesh.ai/internal/session"
	"syncmesh.ai/internal/store"
	"syncmesh.ai/internal/tuning"
	"syncmesh.ai/internal/world"
)

type Server struct {
	world    *world.Service
	sessions *session.Manager
	engine   *engine.Engine
	bus      fanout.Bus
	tracker  *fanout.Tracker
	tune     tuning.Tuning
	log      *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(w *world.Service, sm *session.Manager, e *engine.Engine, bus fanout.Bus, tr *fanout.Tracker, tune tuning.Tuning, logger *log.Logger) *Server {
	return &Server{
		world:    w,
		sessions: sm,
		engine:   e,
		bus:      bus,
		tracker:  tr,
		tune:     tune,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// bearerToken pulls the credential from the auth query parameter or the
// Sec-WebSocket-Protocol entry of the form "bearer.<token>".
func bearerToken(r *http.Request) (token, subprotocol string) {
	if t := r.URL.Query().Get("auth"); t != "" {
		return t, ""
	}
	for _, p := range websocket.Subprotocols(r) {
		if strings.HasPrefix(p, "bearer.") {
			return strings.TrimPrefix(p, "bearer."), p
		}
	}
	return "", ""
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		token, subproto := bearerToken(r)
		if token == "" {
			http.Error(rw, "missing credential", http.StatusUnauthorized)
			return
		}
		// Refuse before the handshake completes: an absent or invalid
		// credential never gets a socket.
		sess, err := s.sessions.Validate(r.Context(), token)
		if err != nil {
			http.Error(rw, "invalid credential", http.StatusUnauthorized)
			return
		}

		var respHeader http.Header
		if subproto != "" {
			respHeader = http.Header{"Sec-WebSocket-Protocol": []string{subproto}}
		}
		conn, err := s.upgrader.Upgrade(rw, r, respHeader)
		if err != nil {
			return
		}
		defer conn.Close()

		s.serve(conn, sess)
	}
}

type agentConn struct {
	srv    *Server
	conn   *websocket.Conn
	sess   store.Session
	out    chan []byte
	cancel context.CancelFunc
}

func (s *Server) serve(conn *websocket.Conn, sess store.Session) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &agentConn{srv: s, conn: conn, sess: sess, out: make(chan []byte, 64), cancel: cancel}

	c.send(protocol.ConnectionEstablishedMsg{
		Type:            protocol.TypeConnectionEstablished,
		ProtocolVersion: protocol.Version,
		AgentID:         sess.AgentID,
	})

	// Writer goroutine: the only place that writes the socket.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-c.out:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if b == nil {
					// Close sentinel: everything queued ahead of it has been
					// written, so the close frame goes out last.
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "heartbeat timeout"))
					cancel()
					_ = conn.Close()
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	go c.pumpNotifications(ctx)
	go c.watchdog(ctx, cancel)

	c.readLoop(ctx, cancel)

	// Best-effort logout on disconnect; an evicted/expired session is
	// already terminal and the CAS makes this a no-op.
	_ = s.sessions.Logout(context.Background(), sess.ID)
}

func (c *agentConn) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.out <- b:
	default:
		// Slow consumer: drop. Reconnecting clients re-sync by diffing
		// against the latest tick, so dropped frames are recoverable.
	}
}

func (c *agentConn) sendError(code, msg string) {
	if !protocol.IsKnownCode(code) {
		code = protocol.ErrInternal
	}
	c.send(protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         msg,
	})
}

// sendClose enqueues the close sentinel behind any pending frames. If the
// queue is full the connection is torn down immediately instead.
func (c *agentConn) sendClose() {
	select {
	case c.out <- nil:
	default:
		c.cancel()
		_ = c.conn.Close()
	}
}

func (c *agentConn) readLoop(ctx context.Context, cancel context.CancelFunc) {
	readTimeout := c.srv.tune.HeartbeatInterval() * time.Duration(c.srv.tune.Heartbeat.ConsecutiveWarnings+1)
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			cancel()
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			// Malformed frame: surface an ERROR, then close.
			c.sendError(protocol.ErrProtoBadRequest, "malformed message")
			cancel()
			return
		}
		if err := protocol.ValidateInbound(base.Type, msg); err != nil {
			c.sendError(protocol.ErrProtoBadRequest, err.Error())
			cancel()
			return
		}

		switch base.Type {
		case protocol.TypeConfigRequest:
			c.handleConfig()
		case protocol.TypeHeartbeat:
			c.handleHeartbeat(ctx, cancel)
		case protocol.TypeQueryRequest:
			var q protocol.QueryRequestMsg
			if err := json.Unmarshal(msg, &q); err != nil {
				c.sendError(protocol.ErrProtoBadRequest, "bad query request")
				cancel()
				return
			}
			c.handleQuery(ctx, q)
		}
	}
}

func (c *agentConn) handleConfig() {
	c.send(protocol.ConfigResponseMsg{
		Type:            protocol.TypeConfigResponse,
		ProtocolVersion: protocol.Version,
		Heartbeat:       protocol.HeartbeatConfig{IntervalMS: c.srv.tune.Heartbeat.IntervalMs},
		SessionID:       c.sess.ID,
		ExpiresAt:       c.sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (c *agentConn) handleHeartbeat(ctx context.Context, cancel context.CancelFunc) {
	if err := c.srv.sessions.Heartbeat(ctx, c.sess.ID); err != nil {
		// Session ended underneath us: the client must re-authenticate.
		c.sendError(protocol.ErrSessionEvicted, "session no longer active")
		cancel()
		return
	}
	c.send(protocol.HeartbeatAckMsg{
		Type:            protocol.TypeHeartbeatAck,
		ProtocolVersion: protocol.Version,
	})
}

func (c *agentConn) handleQuery(ctx context.Context, q protocol.QueryRequestMsg) {
	fail := func(code, msg string) {
		c.send(protocol.QueryResponseMsg{
			Type:            protocol.TypeQueryResponse,
			ProtocolVersion: protocol.Version,
			RequestID:       q.RequestID,
			ErrorCode:       code,
			ErrorMessage:    &msg,
		})
	}

	ident, err := c.ident(ctx, "")
	if err != nil {
		fail(protocol.ErrInternal, "identity resolution failed")
		return
	}
	res, err := c.srv.world.Query(ctx, ident, q.Query, q.Parameters)
	switch {
	case errors.Is(err, world.ErrDenied):
		fail(protocol.ErrNoPermission, "read permission required")
		return
	case errors.Is(err, world.ErrBadQuery):
		fail(protocol.ErrBadQuery, err.Error())
		return
	case errors.Is(err, store.ErrNotFound):
		fail(protocol.ErrNotFound, "not found")
		return
	case err != nil:
		c.srv.log.Printf("query %q for %s: %v", q.Query, c.sess.AgentID, err)
		fail(protocol.ErrInternal, "query failed")
		return
	}

	b, err := json.Marshal(res)
	if err != nil {
		fail(protocol.ErrInternal, "result encoding failed")
		return
	}
	c.send(protocol.QueryResponseMsg{
		Type:            protocol.TypeQueryResponse,
		ProtocolVersion: protocol.Version,
		RequestID:       q.RequestID,
		Result:          b,
		ErrorMessage:    nil,
	})
}

func (c *agentConn) ident(ctx context.Context, group string) (perm.Ident, error) {
	return c.srv.world.Authorizer().Classify(ctx, c.sess.AgentID, c.sess.Provider, group)
}

// pumpNotifications forwards captured-tick events for groups this session
// may read. Authorization is re-evaluated per event, never cached from
// connect time, and delivery to a dead session is a no-op.
func (c *agentConn) pumpNotifications(ctx context.Context) {
	sub := c.srv.bus.Subscribe(64)
	defer c.srv.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C:
			if !c.srv.sessions.IsLive(ctx, c.sess.ID) {
				continue
			}
			ident, err := c.ident(ctx, ev.Group)
			if err != nil {
				continue
			}
			ok, err := c.srv.world.Authorizer().CanRead(ctx, ident, ev.Group)
			if err != nil || !ok {
				// Silently drop: unauthorized groups are invisible.
				continue
			}
			last, err := c.srv.tracker.Last(ctx, c.sess.ID, ev.Group)
			if err != nil || ev.TickNumber <= last {
				continue
			}

			// Diff against the last tick this session actually received, not
			// the immediately preceding one: events dropped under load fold
			// into the next delivered change-set instead of vanishing.
			changes, err := c.srv.engine.Diff(ctx, ev.Group, ev.TickNumber, last)
			if err != nil {
				c.srv.log.Printf("diff for notification %s/%d: %v", ev.Group, ev.TickNumber, err)
				continue
			}
			changeSet, err := json.Marshal(changes)
			if err != nil {
				continue
			}
			b, err := json.Marshal(protocol.NotificationMsg{
				Type:            protocol.TypeNotification,
				ProtocolVersion: protocol.Version,
				Group:           ev.Group,
				TickID:          ev.TickID,
				TickNumber:      ev.TickNumber,
				ChangeSet:       changeSet,
			})
			if err != nil {
				continue
			}
			select {
			case c.out <- b:
				_ = c.srv.tracker.Record(ctx, c.sess.ID, ev.Group, ev.TickNumber)
			case <-ctx.Done():
				return
			default:
				// Queue full: skip the bookkeeping so the next change-set
				// is diffed from the last tick actually handed to the wire.
			}
		}
	}
}

// watchdog kicks sessions that stop heartbeating: once the configured
// number of whole intervals passes without one, the session is evicted and
// the connection force-closed.
func (c *agentConn) watchdog(ctx context.Context, cancel context.CancelFunc) {
	interval := c.srv.tune.HeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sess, err := c.srv.sessions.Get(ctx, c.sess.ID)
			if err != nil || !sess.Active {
				cancel()
				return
			}
			missed := session.MissedWindows(sess, now, interval)
			if missed >= c.srv.tune.Heartbeat.ConsecutiveWarnings {
				if err := c.srv.sessions.EvictForTimeout(ctx, c.sess.ID); err != nil {
					c.srv.log.Printf("evict %s: %v", c.sess.ID, err)
				}
				c.sendError(protocol.ErrHeartbeatKick, "heartbeat timeout")
				c.sendClose()
				return
			}
			if missed > 0 {
				c.srv.log.Printf("session %s missed %d heartbeat window(s)", c.sess.ID, missed)
			}
		}
	}
}
