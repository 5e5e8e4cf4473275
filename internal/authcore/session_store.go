package authcore

import (
	"context"
	"time"
)

// SessionRecord is the persisted state of one refresh-token session chain.
type SessionRecord struct {
	SessionID       string
	Subject         string
	RotationCounter uint64
	IssuedAtUnix    int64
	ExpiresUnix     int64
	RevokedAtUnix   int64
}

// Revoked reports whether the session has been revoked.
func (record SessionRecord) Revoked() bool {
	return record.RevokedAtUnix != 0
}

// ExpiredAt reports whether the session's expiry lies at or before the given
// instant. The boundary itself counts as expired.
func (record SessionRecord) ExpiredAt(now time.Time) bool {
	return !now.Before(time.Unix(record.ExpiresUnix, 0))
}

// SessionStore persists refresh-token sessions. All mutations are scoped to a
// single session ID; implementations must make Rotate linearizable so that at
// most one concurrent caller observes success for a given counter value.
type SessionStore interface {
	// Put inserts a new session record.
	Put(ctx context.Context, record SessionRecord) error
	// Get returns the record for the session, or ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (SessionRecord, error)
	// Rotate advances the rotation counter and expiry, succeeding only when
	// the stored counter equals expectedCounter and the session is not
	// revoked. On a counter mismatch the store revokes the session and
	// returns ErrRotationConflict.
	Rotate(ctx context.Context, sessionID string, expectedCounter uint64, newExpiresUnix int64) (SessionRecord, error)
	// Revoke marks a session revoked. Revoking an already-revoked or missing
	// session is a no-op.
	Revoke(ctx context.Context, sessionID string) error
	// RevokeAllForSubject revokes every live session belonging to the subject.
	RevokeAllForSubject(ctx context.Context, subject string) error
}
