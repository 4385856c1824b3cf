package adminauth

import (
	"strings"

	"github.com/verostack/adminauth/pkg/verifier"
)

// State is the caller-visible position of the auth state machine. Expiry is
// not a stored state; it is derived on every query so clock drift between
// checks cannot leave a stale Authenticated answer behind.
type State string

const (
	StateUnauthenticated     State = "unauthenticated"
	StatePendingSecondFactor State = "pending_second_factor"
	StateAuthenticated       State = "authenticated"
)

// Verifier is re-exported so callers wiring a custom implementation only
// import the root package.
type Verifier = verifier.Verifier

const totpCodeLength = 6

// wellFormedSecondFactorCode accepts a 6-digit time-based code or a backup
// code (eight to ten alphanumerics, an optional dash in the middle). Anything
// else is rejected locally, before any network round trip.
func wellFormedSecondFactorCode(code string) bool {
	if len(code) == totpCodeLength {
		for _, r := range code {
			if r < '0' || r > '9' {
				return false
			}
		}
		return true
	}

	compact := strings.ReplaceAll(code, "-", "")
	if len(compact) < 8 || len(compact) > 10 || strings.Count(code, "-") > 1 {
		return false
	}
	for _, r := range compact {
		alphanumeric := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !alphanumeric {
			return false
		}
	}
	return true
}
