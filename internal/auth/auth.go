package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mooses23/gemachhub/internal"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleBorrower Role = "borrower"
	// RoleSystem is used for provider callbacks and scheduled jobs.
	RoleSystem Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleOperator, RoleBorrower:
		return true
	}
	return false
}

// Actor is the authenticated caller of a ledger operation.
type Actor struct {
	UserID     int64
	Role       Role
	LocationID *int64
}

// System is the actor recorded for webhook and sweep driven changes.
var System = Actor{Role: RoleSystem}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}

// ActorID returns nil for the system actor so audit rows do not point at a user.
func (a Actor) ActorID() *int64 {
	if a.UserID == 0 {
		return nil
	}
	id := a.UserID
	return &id
}

// RequireStaff rejects borrowers and anonymous callers.
func (a Actor) RequireStaff() error {
	switch a.Role {
	case RoleAdmin, RoleSystem:
		return nil
	case RoleOperator:
		if a.LocationID == nil {
			return internal.NewForbiddenError("operator account has no location", internal.ErrCodeLocationScope)
		}
		return nil
	}
	return internal.NewForbiddenError(fmt.Sprintf("role %q may not perform this action", a.Role), internal.ErrCodeForbiddenRole)
}

// RequireAdmin allows only administrators.
func (a Actor) RequireAdmin() error {
	if a.IsAdmin() {
		return nil
	}
	return internal.NewForbiddenError(fmt.Sprintf("role %q may not perform this action", a.Role), internal.ErrCodeForbiddenRole)
}

// CanAccessLocation: admin may act on any location, an operator only on its
// own, a borrower never.
func (a Actor) CanAccessLocation(locationID int64) error {
	if err := a.RequireStaff(); err != nil {
		return err
	}
	if a.IsAdmin() {
		return nil
	}
	if *a.LocationID != locationID {
		return internal.NewForbiddenError("operator may only act on their own location", internal.ErrCodeLocationScope)
	}
	return nil
}

// ScopeLocation returns the location filter implied by the actor: nil for
// admins (all locations), the operator's own location otherwise.
func (a Actor) ScopeLocation() (*int64, error) {
	if err := a.RequireStaff(); err != nil {
		return nil, err
	}
	if a.IsAdmin() {
		return nil, nil
	}
	id := *a.LocationID
	return &id, nil
}

type contextKey string

const actorKey contextKey = "auth.actor"

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims represents JWT token claims
type Claims struct {
	UserID     int64  `json:"user_id"`
	Email      string `json:"email"`
	Role       Role   `json:"role"`
	LocationID *int64 `json:"location_id,omitempty"`
	TokenType  string `json:"token_type"`
	jwt.RegisteredClaims
}

func (c *Claims) Actor() Actor {
	return Actor{UserID: c.UserID, Role: c.Role, LocationID: c.LocationID}
}

// TokenGenerator creates and validates signed tokens.
type TokenGenerator interface {
	GenerateAccessToken(user *UserInfo) (string, error)
	GenerateRefreshToken(user *UserInfo) (string, error)
	ValidateAccessToken(tokenString string) (*Claims, error)
	ValidateRefreshToken(tokenString string) (*Claims, error)
}

type AuthTokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}

// UserInfo is the account view used to mint tokens.
type UserInfo struct {
	ID           int64
	Email        string
	Name         string
	PasswordHash string
	Role         Role
	LocationID   *int64
	IsActive     bool
	LastLoginAt  *time.Time
}
