package verifier

import (
	"context"
	"time"
)

// Grant is credential material issued by the remote verifier. Tokens are
// opaque; nothing on this side interprets their contents.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// PrimaryResult is the outcome of a successful primary-credential check.
// Grant is non-nil only when the verifier waived the second factor for a
// trusted device; otherwise the caller continues with ProvisionalRef.
type PrimaryResult struct {
	SubjectID      string
	ProvisionalRef string
	Grant          *Grant
}

// SecondFactorResult is the outcome of a successful second-factor check.
// DeviceToken is set only when device trust was requested and granted.
type SecondFactorResult struct {
	SubjectID   string
	Grant       Grant
	DeviceToken string
}

// Verifier is the remote credential-verification boundary. Implementations
// classify their failures into the pkg/errors taxonomy: user-correctable
// rejections (invalid_credentials, code_rejected) versus retryable service
// conditions (verifier_unavailable). Raw transport errors never escape.
type Verifier interface {
	VerifyPrimary(ctx context.Context, email string, password string, deviceToken string) (PrimaryResult, error)
	VerifySecondFactor(ctx context.Context, provisionalRef string, code string, trustDevice bool) (SecondFactorResult, error)
	Refresh(ctx context.Context, refreshToken string) (Grant, error)

	// RequestPasswordReset always acknowledges, whether or not the email
	// exists, so account existence cannot be probed through this path.
	RequestPasswordReset(ctx context.Context, email string) error
}
