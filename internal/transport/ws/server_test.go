package ws

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
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

type testStack struct {
	store    *store.Store
	sessions *session.Manager
	engine   *engine.Engine
	bus      *fanout.MemoryBus
	srv      *httptest.Server
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "gateway.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	tune := tuning.Defaults()
	tune.Heartbeat.IntervalMs = 100
	tune.Heartbeat.ConsecutiveWarnings = 2

	logger := log.New(io.Discard, "", 0)
	bus := fanout.NewMemoryBus()
	auth := perm.NewAuthorizer(s)
	w := world.NewService(s, auth)
	sm := session.NewManager(s, tune, logger)
	e := engine.New(s, bus, tune, logger)
	gw := NewServer(w, sm, e, bus, fanout.NewTracker(s), tune, logger)

	hs := httptest.NewServer(gw.Handler())
	t.Cleanup(hs.Close)

	return &testStack{store: s, sessions: sm, engine: e, bus: bus, srv: hs}
}

func (ts *testStack) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(ts.srv.URL, "http")
	if token != "" {
		u += "?auth=" + token
	}
	return u
}

func (ts *testStack) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (ts *testStack) seedAgent(t *testing.T, agentID string, role *store.Role) store.Session {
	t.Helper()
	ctx := context.Background()
	if err := ts.store.UpsertAgent(ctx, store.Agent{ID: agentID, Name: agentID, Provider: "interactive"}); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	if role != nil {
		if err := ts.store.UpsertRole(ctx, *role); err != nil {
			t.Fatalf("seed role: %v", err)
		}
	}
	sess, _, err := ts.sessions.Create(ctx, agentID, "interactive")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func readMessage(t *testing.T, conn *websocket.Conn) (protocol.BaseMessage, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return base, raw
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) []byte {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		base, raw := readMessage(t, conn)
		if base.Type == typ {
			return raw
		}
	}
	t.Fatalf("no %s frame before deadline", typ)
	return nil
}

func TestHandshakeRefusedWithoutCredential(t *testing.T) {
	ts := newTestStack(t)

	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(""), nil)
	if err == nil {
		t.Fatalf("dial without credential succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 refusal, got %+v", resp)
	}

	_, resp, err = websocket.DefaultDialer.Dial(ts.wsURL("bogus-token"), nil)
	if err == nil {
		t.Fatalf("dial with bogus token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 refusal, got %+v", resp)
	}
}

func TestHandshakeAndConfig(t *testing.T) {
	ts := newTestStack(t)
	sess := ts.seedAgent(t, "alice", nil)

	conn := ts.dial(t, sess.Token)

	base, raw := readMessage(t, conn)
	if base.Type != protocol.TypeConnectionEstablished {
		t.Fatalf("first frame = %s, want CONNECTION_ESTABLISHED", base.Type)
	}
	var est protocol.ConnectionEstablishedMsg
	if err := json.Unmarshal(raw, &est); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if est.AgentID != "alice" {
		t.Fatalf("agent id = %q", est.AgentID)
	}

	req, _ := json.Marshal(protocol.ConfigRequestMsg{Type: protocol.TypeConfigRequest, ProtocolVersion: protocol.Version})
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		t.Fatalf("write config request: %v", err)
	}
	raw = readUntil(t, conn, protocol.TypeConfigResponse)
	var cfg protocol.ConfigResponseMsg
	if err := json.Unmarshal(raw, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	if cfg.Heartbeat.IntervalMS != 100 {
		t.Fatalf("heartbeat interval = %d", cfg.Heartbeat.IntervalMS)
	}
	if cfg.SessionID != sess.ID {
		t.Fatalf("session id = %q, want %q", cfg.SessionID, sess.ID)
	}
}

func TestHeartbeatAck(t *testing.T) {
	ts := newTestStack(t)
	sess := ts.seedAgent(t, "alice", nil)

	conn := ts.dial(t, sess.Token)
	readUntil(t, conn, protocol.TypeConnectionEstablished)

	hb, _ := json.Marshal(protocol.HeartbeatMsg{Type: protocol.TypeHeartbeat, ProtocolVersion: protocol.Version})
	if err := conn.WriteMessage(websocket.TextMessage, hb); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	readUntil(t, conn, protocol.TypeHeartbeatAck)

	got, err := ts.sessions.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.LastHeartbeat.IsZero() {
		t.Fatalf("heartbeat not recorded")
	}
}

func TestMalformedFrameGetsErrorAndClose(t *testing.T) {
	ts := newTestStack(t)
	sess := ts.seedAgent(t, "alice", nil)

	conn := ts.dial(t, sess.Token)
	readUntil(t, conn, protocol.TypeConnectionEstablished)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"QUERY_REQUEST","query":""}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw := readUntil(t, conn, protocol.TypeError)
	var em protocol.ErrorMsg
	if err := json.Unmarshal(raw, &em); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if em.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("code = %q, want %q", em.Code, protocol.ErrProtoBadRequest)
	}
}

func seedGroupWithEntity(t *testing.T, s *store.Store, group string) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateGroup(ctx, store.SyncGroup{Name: group}); err != nil {
		t.Fatalf("create group: %v", err)
	}
	err := s.InsertEntity(ctx, store.Entity{
		ID:       "e1",
		Name:     "probe",
		Group:    group,
		Metadata: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("insert entity: %v", err)
	}
}

func queryEntities(t *testing.T, conn *websocket.Conn, group, reqID string) protocol.QueryResponseMsg {
	t.Helper()
	params, _ := json.Marshal(map[string]string{"group": group})
	req, _ := json.Marshal(protocol.QueryRequestMsg{
		Type:            protocol.TypeQueryRequest,
		ProtocolVersion: protocol.Version,
		RequestID:       reqID,
		Query:           "entities",
		Parameters:      params,
	})
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		t.Fatalf("write query: %v", err)
	}
	raw := readUntil(t, conn, protocol.TypeQueryResponse)
	var resp protocol.QueryResponseMsg
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestQueryPermissionScoped(t *testing.T) {
	ts := newTestStack(t)
	seedGroupWithEntity(t, ts.store, "lobby")

	reader := ts.seedAgent(t, "reader", &store.Role{AgentID: "reader", Group: "lobby", CanRead: true})
	blind := ts.seedAgent(t, "blind", &store.Role{AgentID: "blind", Group: "lobby", CanInsert: true})

	rc := ts.dial(t, reader.Token)
	readUntil(t, rc, protocol.TypeConnectionEstablished)
	resp := queryEntities(t, rc, "lobby", "r1")
	if resp.ErrorMessage != nil {
		t.Fatalf("reader query failed: %s", *resp.ErrorMessage)
	}
	if resp.RequestID != "r1" {
		t.Fatalf("request id = %q", resp.RequestID)
	}
	var entities []store.Entity
	if err := json.Unmarshal(resp.Result, &entities); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(entities) != 1 || entities[0].Name != "probe" {
		t.Fatalf("entities = %+v", entities)
	}

	bc := ts.dial(t, blind.Token)
	readUntil(t, bc, protocol.TypeConnectionEstablished)
	resp = queryEntities(t, bc, "lobby", "b1")
	if resp.ErrorMessage == nil {
		t.Fatalf("query without read permission succeeded")
	}
	if resp.ErrorCode != protocol.ErrNoPermission {
		t.Fatalf("error code = %q, want %q", resp.ErrorCode, protocol.ErrNoPermission)
	}
}

func TestNotificationDeliveryAndFiltering(t *testing.T) {
	ts := newTestStack(t)
	seedGroupWithEntity(t, ts.store, "lobby")

	reader := ts.seedAgent(t, "reader", &store.Role{AgentID: "reader", Group: "lobby", CanRead: true})
	blind := ts.seedAgent(t, "blind", nil)

	rc := ts.dial(t, reader.Token)
	readUntil(t, rc, protocol.TypeConnectionEstablished)
	bc := ts.dial(t, blind.Token)
	readUntil(t, bc, protocol.TypeConnectionEstablished)

	// Give both notification pumps time to subscribe before publishing.
	time.Sleep(100 * time.Millisecond)

	tick, err := ts.engine.CaptureTick(context.Background(), "lobby")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	raw := readUntil(t, rc, protocol.TypeNotification)
	var note protocol.NotificationMsg
	if err := json.Unmarshal(raw, &note); err != nil {
		t.Fatalf("unmarshal notification: %v", err)
	}
	if note.Group != "lobby" || note.TickNumber != tick.Number {
		t.Fatalf("notification = %+v", note)
	}
	var changes []engine.ChangeRecord
	if err := json.Unmarshal(note.ChangeSet, &changes); err != nil {
		t.Fatalf("unmarshal change set: %v", err)
	}
	if len(changes) != 1 || changes[0].Op != engine.OpInsert {
		t.Fatalf("changes = %+v", changes)
	}

	// The unauthorized session must see nothing for this group.
	_ = bc.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, frame, err := bc.ReadMessage(); err == nil {
		var got protocol.BaseMessage
		_ = json.Unmarshal(frame, &got)
		if got.Type == protocol.TypeNotification {
			t.Fatalf("unauthorized session received notification: %s", frame)
		}
	}
}

func heartbeat(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	hb, _ := json.Marshal(protocol.HeartbeatMsg{Type: protocol.TypeHeartbeat, ProtocolVersion: protocol.Version})
	if err := conn.WriteMessage(websocket.TextMessage, hb); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	readUntil(t, conn, protocol.TypeHeartbeatAck)
}

// writeTickDirect records a tick without publishing its event, standing in
// for a captured-tick event the subscription dropped under load.
func writeTickDirect(t *testing.T, s *store.Store, group string, number uint64) {
	t.Helper()
	ctx := context.Background()
	tick := store.Tick{
		ID:        fmt.Sprintf("tick-%s-%d", group, number),
		Group:     group,
		Number:    number,
		StartTime: time.Now(),
		EndTime:   time.Now(),
	}
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.InsertTickTx(ctx, tx, tick); err != nil {
			return err
		}
		_, err := store.CopyGroupRowsTx(ctx, tx, tick.ID, group)
		return err
	})
	if err != nil {
		t.Fatalf("write tick %d: %v", number, err)
	}
}

func TestNotificationCoversSkippedTicks(t *testing.T) {
	ts := newTestStack(t)
	seedGroupWithEntity(t, ts.store, "lobby")

	reader := ts.seedAgent(t, "reader", &store.Role{AgentID: "reader", Group: "lobby", CanRead: true})
	rc := ts.dial(t, reader.Token)
	readUntil(t, rc, protocol.TypeConnectionEstablished)
	time.Sleep(100 * time.Millisecond)

	ctx := context.Background()
	if _, err := ts.engine.CaptureTick(ctx, "lobby"); err != nil {
		t.Fatalf("capture: %v", err)
	}
	readUntil(t, rc, protocol.TypeNotification)
	heartbeat(t, rc)

	// Ticks 2 and 3 land without their events reaching this subscription.
	if err := ts.store.UpdateEntity(ctx, store.Entity{ID: "e1", Name: "renamed", Group: "lobby"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	writeTickDirect(t, ts.store, "lobby", 2)
	if err := ts.store.InsertEntity(ctx, store.Entity{ID: "e2", Name: "late", Group: "lobby", Metadata: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	writeTickDirect(t, ts.store, "lobby", 3)
	heartbeat(t, rc)

	tick, err := ts.engine.CaptureTick(ctx, "lobby")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	// The next notification must fold the skipped ticks' changes in: the
	// change-set is computed against tick 1, the last one delivered.
	raw := readUntil(t, rc, protocol.TypeNotification)
	var note protocol.NotificationMsg
	if err := json.Unmarshal(raw, &note); err != nil {
		t.Fatalf("unmarshal notification: %v", err)
	}
	if note.TickNumber != tick.Number {
		t.Fatalf("tick number = %d, want %d", note.TickNumber, tick.Number)
	}
	var changes []engine.ChangeRecord
	if err := json.Unmarshal(note.ChangeSet, &changes); err != nil {
		t.Fatalf("unmarshal change set: %v", err)
	}
	byID := map[string]engine.ChangeRecord{}
	for _, ch := range changes {
		byID[ch.ID] = ch
	}
	upd, ok := byID["e1"]
	if !ok || upd.Op != engine.OpUpdate {
		t.Fatalf("rename from skipped tick missing: %+v", changes)
	}
	if _, ok := upd.Changes["name"]; !ok {
		t.Fatalf("update lacks name field: %+v", upd.Changes)
	}
	ins, ok := byID["e2"]
	if !ok || ins.Op != engine.OpInsert {
		t.Fatalf("insert from skipped tick missing: %+v", changes)
	}
}

func TestHeartbeatTimeoutEviction(t *testing.T) {
	ts := newTestStack(t)
	sess := ts.seedAgent(t, "alice", nil)

	conn := ts.dial(t, sess.Token)
	readUntil(t, conn, protocol.TypeConnectionEstablished)

	// Never heartbeat: 2 warnings at 100ms each puts eviction well under
	// the read deadline below.
	deadline := time.Now().Add(3 * time.Second)
	var kicked, closed bool
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			closed = websocket.IsCloseError(err, websocket.ClosePolicyViolation)
			break
		}
		var em protocol.ErrorMsg
		if json.Unmarshal(raw, &em) == nil && em.Code == protocol.ErrHeartbeatKick {
			kicked = true
		}
	}
	if !kicked {
		t.Fatalf("no heartbeat timeout error before close")
	}
	if !closed {
		t.Fatalf("connection did not close with a policy violation frame")
	}

	got, err := ts.sessions.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Active {
		t.Fatalf("session still active after timeout")
	}
	if got.EndedReason != store.EndedHeartbeat {
		t.Fatalf("ended reason = %q", got.EndedReason)
	}
}
