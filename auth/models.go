package auth

import (
	"context"
	"strings"
)

type Role string

const (
	RoleClient   Role = "client"
	RoleDesigner Role = "designer"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleDesigner, RoleAdmin:
		return true
	default:
		return false
	}
}

// ParseRole normalizes a role string; unknown values yield "".
func ParseRole(v string) Role {
	r := Role(strings.ToLower(strings.TrimSpace(v)))
	if !r.Valid() {
		return ""
	}
	return r
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

type ctxKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(Actor)
	return a, ok
}
