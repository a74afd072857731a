// Package perm resolves agent identity and answers permission checks for
// sync groups. Checks always read the current role row, so grant changes
// take effect on the next check with nothing cached in between.
package perm

import (
	"context"
	"errors"
	"fmt"

	"syncmesh.ai/internal/store"
)

var ErrDenied = errors.New("authorization denied")

// Class is the closed set of identity classes. Exactly one applies to a
// request; system and proxy are mutually exclusive by construction.
type Class int

const (
	ClassAnon Class = iota
	ClassProxy
	ClassAdmin
	ClassSystem
)

func (c Class) String() string {
	switch c {
	case ClassSystem:
		return "system"
	case ClassAdmin:
		return "admin"
	case ClassProxy:
		return "proxy"
	default:
		return "anon"
	}
}

// Providers with built-in meaning. Anything else is an external provider
// whose agents classify as proxy.
const (
	ProviderSystem    = "system"
	ProviderAnonymous = "anonymous"
)

// Ident is a typed capability value resolved once per request.
type Ident struct {
	AgentID  string
	Provider string
	Class    Class
}

type Authorizer struct {
	store *store.Store
}

func NewAuthorizer(s *store.Store) *Authorizer {
	return &Authorizer{store: s}
}

// Classify derives the identity class for an agent acting against a group.
// It is recomputed on every call: a revoked admin grant is gone on the very
// next check.
func (a *Authorizer) Classify(ctx context.Context, agentID, provider, group string) (Ident, error) {
	id := Ident{AgentID: agentID, Provider: provider}
	switch provider {
	case ProviderSystem:
		id.Class = ClassSystem
		return id, nil
	case ProviderAnonymous, "":
		id.Class = ClassAnon
		return id, nil
	}
	id.Class = ClassProxy
	if group != "" {
		role, err := a.store.GetRole(ctx, agentID, group)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return id, fmt.Errorf("classify %s: %w", agentID, err)
		}
		if err == nil && role.IsAdmin {
			id.Class = ClassAdmin
		}
	}
	return id, nil
}

type Perm int

const (
	Read Perm = iota
	Insert
	Update
	Delete
)

func (p Perm) String() string {
	switch p {
	case Read:
		return "read"
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return "unknown"
}

// Can answers a single permission question. System identities hold every
// permission; admins hold every permission on their group; everyone else
// needs an explicit matching role bit. Default is deny.
func (a *Authorizer) Can(ctx context.Context, id Ident, group string, p Perm) (bool, error) {
	if id.Class == ClassSystem {
		return true, nil
	}
	role, err := a.store.GetRole(ctx, id.AgentID, group)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if role.IsAdmin {
		return true, nil
	}
	switch p {
	case Read:
		return role.CanRead, nil
	case Insert:
		return role.CanInsert, nil
	case Update:
		return role.CanUpdate, nil
	case Delete:
		return role.CanDelete, nil
	}
	return false, nil
}

func (a *Authorizer) CanRead(ctx context.Context, id Ident, group string) (bool, error) {
	return a.Can(ctx, id, group, Read)
}

func (a *Authorizer) CanInsert(ctx context.Context, id Ident, group string) (bool, error) {
	return a.Can(ctx, id, group, Insert)
}

func (a *Authorizer) CanUpdate(ctx context.Context, id Ident, group string) (bool, error) {
	return a.Can(ctx, id, group, Update)
}

func (a *Authorizer) CanDelete(ctx context.Context, id Ident, group string) (bool, error) {
	return a.Can(ctx, id, group, Delete)
}

// Require returns ErrDenied (wrapped with context) unless the permission
// holds.
func (a *Authorizer) Require(ctx context.Context, id Ident, group string, p Perm) error {
	ok, err := a.Can(ctx, id, group, p)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s on %s for %s: %w", p, group, id.AgentID, ErrDenied)
	}
	return nil
}
