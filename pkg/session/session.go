package session

import (
	"time"
)

// IdleTimeout is the fixed inactivity window after which an otherwise valid
// session is treated as expired. The boundary is inclusive: a session whose
// last activity is exactly IdleTimeout ago is already expired.
const IdleTimeout = 30 * time.Minute

// Namespace is the fixed key the persisted record lives under, one record per
// device/browser context.
const Namespace = "adminauth/session/v1"

// Session is one authenticated (or partially authenticated) admin principal.
// Token material is owned by the token manager once issued; nothing here
// interprets its contents.
type Session struct {
	SubjectID            string    `json:"subject_id"`
	Email                string    `json:"email"`
	SecondFactorVerified bool      `json:"second_factor_verified"`
	TrustedDevice        bool      `json:"trusted_device"`
	LastActivity         time.Time `json:"last_activity"`

	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"refresh_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
}

// Record is the envelope actually persisted. The device token lives outside
// the session proper so device trust survives logout and idle timeout.
type Record struct {
	Session     *Session  `json:"session,omitempty"`
	DeviceToken string    `json:"device_token,omitempty"`
	SavedAt     time.Time `json:"saved_at"`
}

// ExpiredAt reports whether the session's idle timeout has elapsed at now.
func (s *Session) ExpiredAt(now time.Time) bool {
	if s == nil {
		return true
	}
	return now.Sub(s.LastActivity) >= IdleTimeout
}

// AccessTokenValidAt reports whether the access token is still usable at now,
// with skew subtracted so a token about to lapse mid-call counts as expired.
func (s *Session) AccessTokenValidAt(now time.Time, skew time.Duration) bool {
	if s == nil || s.AccessToken == "" {
		return false
	}
	return now.Before(s.AccessExpiresAt.Add(-skew))
}

// Clone returns an independent copy safe to hand outside the store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	copied := *s
	return &copied
}
