// Package session models the connection-layer session handle passed through
// every finalize operation, and the scoped privilege elevation used by
// stale-publish recovery.
package session

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
)

// Privilege is the level a catalog write is performed at.
type Privilege int

const (
	// PrivilegeNormal writes are subject to the caller's access rights.
	PrivilegeNormal Privilege = iota
	// PrivilegeElevated writes bypass access checks.
	PrivilegeElevated
)

func (p Privilege) String() string {
	switch p {
	case PrivilegeNormal:
		return "normal"
	case PrivilegeElevated:
		return "elevated"
	}
	return fmt.Sprintf("privilege(%d)", int(p))
}

// Session is the opaque identity carried by a client connection.
type Session struct {
	ID   string
	User string
	Zone string
	// Admin marks operator sessions. It does not by itself elevate catalog
	// writes; see WithElevatedPrivilege.
	Admin bool
}

// New creates a session for user in zone with a fresh ID.
func New(user, zone string) *Session {
	return &Session{ID: uuid.NewString(), User: user, Zone: zone}
}

// String renders "user#zone".
func (s *Session) String() string {
	if s == nil {
		return "<nil session>"
	}
	return s.User + "#" + s.Zone
}

// Capability is the privilege a single catalog call may use. An elevated
// capability is only valid inside the WithElevatedPrivilege callback that
// produced it; afterwards it reports PrivilegeNormal.
type Capability struct {
	level   Privilege
	revoked *atomic.Bool
}

// Normal returns the capability every session holds without elevation.
func (s *Session) Normal() Capability {
	return Capability{level: PrivilegeNormal}
}

// Level reports the privilege the capability grants right now.
func (c Capability) Level() Privilege {
	if c.revoked != nil && c.revoked.Load() {
		return PrivilegeNormal
	}
	return c.level
}

// WithElevatedPrivilege runs fn with an elevated capability for s and revokes
// it when fn returns, on every exit path.
func WithElevatedPrivilege(s *Session, fn func(Capability) error) error {
	revoked := &atomic.Bool{}
	defer revoked.Store(true)

	slog.Info("Elevating session privilege", "session", s.ID, "user", s.String())
	return fn(Capability{level: PrivilegeElevated, revoked: revoked})
}
