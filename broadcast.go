package main

import (
	"context"
)

// UserContext is what protected views see of the signed-in visitor. It is
// built from one Resolved resolution, so principal and attributes always
// belong together.
type UserContext struct {
	principal  Principal
	attributes AttributeSet
	signOut    func(context.Context) error
}

// newUserContext returns nil unless res is Resolved.
func newUserContext(res Resolution, signOut func(context.Context) error) *UserContext {
	if res.State != ResolutionResolved {
		return nil
	}
	return &UserContext{
		principal:  res.Session.Principal,
		attributes: res.Attributes,
		signOut:    signOut,
	}
}

func (u *UserContext) Principal() Principal { return u.principal }

func (u *UserContext) Attributes() AttributeSet { return u.attributes }

// DisplayName prefers the "name" attribute over the username.
func (u *UserContext) DisplayName() string {
	if v, ok := u.attributes.Get("name"); ok && v != "" {
		return v
	}
	return u.principal.Username
}

func (u *UserContext) Initials() string {
	return Initials(u.DisplayName())
}

func (u *UserContext) SignOut(ctx context.Context) error {
	if u.signOut == nil {
		return NoActiveSessionError()
	}
	return u.signOut(ctx)
}

type contextKey string

const ctxUserKey = contextKey("user")

func WithUserContext(ctx context.Context, u *UserContext) context.Context {
	return context.WithValue(ctx, ctxUserKey, u)
}

// UserContextFrom returns nil outside an authorized subtree.
func UserContextFrom(ctx context.Context) *UserContext {
	v := ctx.Value(ctxUserKey)
	if v == nil {
		return nil
	}
	if u, ok := v.(*UserContext); ok {
		return u
	}
	return nil
}
