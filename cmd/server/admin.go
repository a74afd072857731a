package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"syncmesh.ai/internal/engine"
	"syncmesh.ai/internal/session"
	"syncmesh.ai/internal/store"
)

// adminAPI exposes local-only provisioning endpoints: sync groups, agents,
// roles and session minting. Loopback clients only.
type adminAPI struct {
	store    *store.Store
	sessions *session.Manager
	sched    *engine.Scheduler
	runCtx   context.Context
	log      *log.Logger
}

func newAdminAPI(s *store.Store, sm *session.Manager, sched *engine.Scheduler, runCtx context.Context, logger *log.Logger) *adminAPI {
	return &adminAPI{store: s, sessions: sm, sched: sched, runCtx: runCtx, log: logger}
}

func (a *adminAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/v1/groups", a.guard(a.handleGroups))
	mux.HandleFunc("/admin/v1/agents", a.guard(a.handleAgents))
	mux.HandleFunc("/admin/v1/roles", a.guard(a.handleRoles))
	mux.HandleFunc("/admin/v1/sessions", a.guard(a.handleSessions))
	mux.HandleFunc("/admin/v1/state", a.guard(a.handleState))
}

func (a *adminAPI) guard(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeErr(rw http.ResponseWriter, status int, err error) {
	writeJSON(rw, status, map[string]any{"ok": false, "error": err.Error()})
}

func (a *adminAPI) handleGroups(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		groups, err := a.store.ListGroups(ctx)
		if err != nil {
			writeErr(rw, http.StatusInternalServerError, err)
			return
		}
		writeJSON(rw, http.StatusOK, groups)
	case http.MethodPost:
		var req struct {
			Name          string `json:"name"`
			CadenceMs     int    `json:"cadence_ms"`
			FrameBudgetMs int    `json:"frame_budget_ms"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
			http.Error(rw, "bad request", http.StatusBadRequest)
			return
		}
		g := store.SyncGroup{Name: req.Name, CadenceMs: req.CadenceMs, FrameBudgetMs: req.FrameBudgetMs}
		if err := a.store.CreateGroup(ctx, g); err != nil {
			if errors.Is(err, store.ErrConflict) {
				writeErr(rw, http.StatusConflict, err)
				return
			}
			writeErr(rw, http.StatusInternalServerError, err)
			return
		}
		// New groups start ticking immediately, on the server's lifetime
		// context rather than this request's.
		a.sched.Start(a.runCtx, []string{req.Name})
		a.log.Printf("group %s created, capture loop started", req.Name)
		writeJSON(rw, http.StatusCreated, map[string]any{"ok": true, "name": req.Name})
	default:
		rw.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *adminAPI) handleAgents(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Provider string `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}
	err := a.store.UpsertAgent(r.Context(), store.Agent{ID: req.ID, Name: req.Name, Provider: req.Provider})
	if err != nil {
		writeErr(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "id": req.ID})
}

func (a *adminAPI) handleRoles(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		AgentID   string `json:"agent_id"`
		Group     string `json:"group"`
		CanRead   bool   `json:"can_read"`
		CanInsert bool   `json:"can_insert"`
		CanUpdate bool   `json:"can_update"`
		CanDelete bool   `json:"can_delete"`
		IsAdmin   bool   `json:"is_admin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" || req.Group == "" {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}
	role := store.Role{
		AgentID:   req.AgentID,
		Group:     req.Group,
		CanRead:   req.CanRead,
		CanInsert: req.CanInsert,
		CanUpdate: req.CanUpdate,
		CanDelete: req.CanDelete,
		IsAdmin:   req.IsAdmin,
	}
	if err := a.store.UpsertRole(r.Context(), role); err != nil {
		writeErr(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func (a *adminAPI) handleSessions(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		AgentID  string `json:"agent_id"`
		Provider string `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" || req.Provider == "" {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}
	sess, evicted, err := a.sessions.Create(r.Context(), req.AgentID, req.Provider)
	if err != nil {
		writeErr(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, http.StatusCreated, map[string]any{
		"ok":         true,
		"session_id": sess.ID,
		"token":      sess.Token,
		"expires_at": sess.ExpiresAt.UTC().Format(time.RFC3339),
		"evicted":    evicted,
	})
}

func (a *adminAPI) handleState(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	groups, err := a.store.ListGroups(ctx)
	if err != nil {
		writeErr(rw, http.StatusInternalServerError, err)
		return
	}
	type groupState struct {
		Name       string `json:"name"`
		TickNumber uint64 `json:"tick_number"`
		TickID     string `json:"tick_id,omitempty"`
	}
	states := make([]groupState, 0, len(groups))
	for _, g := range groups {
		gs := groupState{Name: g.Name}
		if tick, err := a.store.LatestTick(ctx, g.Name); err == nil {
			gs.TickNumber = tick.Number
			gs.TickID = tick.ID
		}
		states = append(states, gs)
	}
	writeJSON(rw, http.StatusOK, map[string]any{"groups": states})
}
