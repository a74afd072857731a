// Package world is the permission-gated surface over the shared scene
// graph: entity/script/asset mutation plus the named read queries the
// gateway executes. Every call resolves the requester's identity and role
// at call time; nothing is cached between requests.
package world

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"syncmesh.ai/internal/perm"
	"syncmesh.ai/internal/store"
)

var (
	ErrDenied   = perm.ErrDenied
	ErrBadQuery = errors.New("bad query")
)

type Service struct {
	store *store.Store
	auth  *perm.Authorizer
}

func NewService(s *store.Store, auth *perm.Authorizer) *Service {
	return &Service{store: s, auth: auth}
}

func (s *Service) Authorizer() *perm.Authorizer { return s.auth }

// --- entity mutation ---

func (s *Service) InsertEntity(ctx context.Context, id perm.Ident, e store.Entity) (store.Entity, error) {
	if err := s.auth.Require(ctx, id, e.Group, perm.Insert); err != nil {
		return store.Entity{}, err
	}
	if _, err := s.store.GetGroup(ctx, e.Group); err != nil {
		return store.Entity{}, fmt.Errorf("group %s: %w", e.Group, err)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if err := s.store.InsertEntity(ctx, e); err != nil {
		return store.Entity{}, err
	}
	return s.store.GetEntity(ctx, e.ID)
}

func (s *Service) UpdateEntity(ctx context.Context, id perm.Ident, e store.Entity) error {
	if err := s.auth.Require(ctx, id, e.Group, perm.Update); err != nil {
		return err
	}
	return s.store.UpdateEntity(ctx, e)
}

func (s *Service) DeleteEntity(ctx context.Context, id perm.Ident, group, entityID string) error {
	if err := s.auth.Require(ctx, id, group, perm.Delete); err != nil {
		return err
	}
	return s.store.DeleteEntity(ctx, group, entityID)
}

// --- scripts ---

func (s *Service) UpsertScript(ctx context.Context, id perm.Ident, sc store.Script) error {
	existing, err := s.store.GetScript(ctx, sc.Group, sc.Name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := s.auth.Require(ctx, id, sc.Group, perm.Insert); err != nil {
			return err
		}
		if sc.ID == "" {
			sc.ID = uuid.NewString()
		}
		return s.store.InsertScript(ctx, sc)
	case err != nil:
		return err
	default:
		if err := s.auth.Require(ctx, id, sc.Group, perm.Update); err != nil {
			return err
		}
		return s.store.UpdateScriptSource(ctx, existing.Group, existing.Name, sc.Source)
	}
}

// SetScriptStatus records a compile outcome. Reserved for system identities:
// only the bundling pipeline reports compile results.
func (s *Service) SetScriptStatus(ctx context.Context, id perm.Ident, group, name, status string, artifacts map[string]string) error {
	if id.Class != perm.ClassSystem {
		return fmt.Errorf("compile status for %s: %w", name, ErrDenied)
	}
	return s.store.UpdateScriptStatus(ctx, group, name, status, artifacts)
}

// DeleteScript removes the script and prunes its name from every entity in
// the group that references it; the entities themselves survive.
func (s *Service) DeleteScript(ctx context.Context, id perm.Ident, group, name string) error {
	if err := s.auth.Require(ctx, id, group, perm.Delete); err != nil {
		return err
	}
	if err := s.store.DeleteScript(ctx, group, name); err != nil {
		return err
	}
	return s.store.PruneRefs(ctx, group, "scripts", name)
}

// --- assets ---

func (s *Service) UpsertAsset(ctx context.Context, id perm.Ident, a store.Asset) error {
	_, err := s.store.GetAsset(ctx, a.Group, a.Name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := s.auth.Require(ctx, id, a.Group, perm.Insert); err != nil {
			return err
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		return s.store.InsertAsset(ctx, a)
	case err != nil:
		return err
	default:
		if err := s.auth.Require(ctx, id, a.Group, perm.Update); err != nil {
			return err
		}
		return s.store.UpdateAsset(ctx, a)
	}
}

func (s *Service) DeleteAsset(ctx context.Context, id perm.Ident, group, name string) error {
	if err := s.auth.Require(ctx, id, group, perm.Delete); err != nil {
		return err
	}
	if err := s.store.DeleteAsset(ctx, group, name); err != nil {
		return err
	}
	return s.store.PruneRefs(ctx, group, "assets", name)
}

// --- named read queries ---

// QueryParams is the parameter envelope for QUERY_REQUEST.
type QueryParams struct {
	Group string `json:"group"`
	ID    string `json:"id,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// Query executes a named read query. Read permission on the target group is
// required for every query kind.
func (s *Service) Query(ctx context.Context, id perm.Ident, name string, rawParams json.RawMessage) (any, error) {
	var p QueryParams
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadQuery, err)
		}
	}
	if p.Group == "" {
		return nil, fmt.Errorf("%w: missing group parameter", ErrBadQuery)
	}
	if err := s.auth.Require(ctx, id, p.Group, perm.Read); err != nil {
		return nil, err
	}

	switch name {
	case "entities":
		return s.store.ListEntities(ctx, p.Group)
	case "entity":
		if p.ID == "" {
			return nil, fmt.Errorf("%w: entity query needs id", ErrBadQuery)
		}
		// Lookup stays inside the group the caller was authorized for; the
		// same id in another group is invisible here.
		return s.store.GetEntityInGroup(ctx, p.Group, p.ID)
	case "scripts":
		return s.store.ListScripts(ctx, p.Group)
	case "assets":
		return s.store.ListAssets(ctx, p.Group)
	case "ticks":
		return s.store.ListTicks(ctx, p.Group, p.Limit)
	default:
		return nil, fmt.Errorf("%w: unknown query %q", ErrBadQuery, name)
	}
}
