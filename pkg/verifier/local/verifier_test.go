package local

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/verostack/adminauth/pkg/crypto"
	oerrors "github.com/verostack/adminauth/pkg/errors"
)

const testSecret = "JBSWY3DPEHPK3PXP"

func fastHasher() crypto.Hasher {
	return crypto.NewPBKDF2Hasher(crypto.PBKDF2Options{
		Iterations: 1000,
		SaltBytes:  16,
		KeyBytes:   32,
	})
}

func newTestVerifier(t *testing.T, now time.Time) *Verifier {
	t.Helper()
	v := NewVerifier(Config{
		Hasher:          fastHasher(),
		Now:             func() time.Time { return now },
		MaxCodeAttempts: 3,
	})
	err := v.RegisterAccount(Account{
		Email:       "admin@example.test",
		SubjectID:   "adm_1",
		Password:    "correct horse battery staple",
		TOTPSecret:  testSecret,
		BackupCodes: []string{"AB12-CD34"},
	})
	if err != nil {
		t.Fatalf("register account failed: %v", err)
	}
	return v
}

func currentCode(t *testing.T, now time.Time) string {
	t.Helper()
	code, err := totp.GenerateCode(testSecret, now)
	if err != nil {
		t.Fatalf("generate code failed: %v", err)
	}
	return code
}

func TestVerifyPrimaryRejectsWrongPassword(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)
	ctx := context.Background()

	_, err := v.VerifyPrimary(ctx, "admin@example.test", "wrong", "")
	if !oerrors.IsCode(err, oerrors.CodeInvalidCredentials) {
		t.Fatalf("expected invalid_credentials, got %v", err)
	}

	_, err = v.VerifyPrimary(ctx, "nobody@example.test", "correct horse battery staple", "")
	if !oerrors.IsCode(err, oerrors.CodeInvalidCredentials) {
		t.Fatalf("expected invalid_credentials for unknown account, got %v", err)
	}
}

func TestPasswordThenTOTP(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)
	ctx := context.Background()

	primary, err := v.VerifyPrimary(ctx, "Admin@Example.Test", "correct horse battery staple", "")
	if err != nil {
		t.Fatalf("primary verification failed: %v", err)
	}
	if primary.Grant != nil {
		t.Fatal("expected no waiver without a device token")
	}
	if primary.ProvisionalRef == "" {
		t.Fatal("expected a provisional reference")
	}

	result, err := v.VerifySecondFactor(ctx, primary.ProvisionalRef, currentCode(t, now), false)
	if err != nil {
		t.Fatalf("second factor failed: %v", err)
	}
	if result.SubjectID != "adm_1" {
		t.Fatalf("unexpected subject %s", result.SubjectID)
	}
	if result.Grant.AccessToken == "" || result.Grant.RefreshToken == "" {
		t.Fatalf("expected a full grant, got %+v", result.Grant)
	}
	if result.DeviceToken != "" {
		t.Fatal("expected no device token without a trust request")
	}

	// The provisional reference is single use.
	_, err = v.VerifySecondFactor(ctx, primary.ProvisionalRef, currentCode(t, now), false)
	if !oerrors.IsCode(err, oerrors.CodeReauthenticationRequired) {
		t.Fatalf("expected a spent reference to be rejected, got %v", err)
	}
}

func TestBackupCodeIsSingleUse(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)
	ctx := context.Background()

	primary, err := v.VerifyPrimary(ctx, "admin@example.test", "correct horse battery staple", "")
	if err != nil {
		t.Fatalf("primary verification failed: %v", err)
	}
	if _, err := v.VerifySecondFactor(ctx, primary.ProvisionalRef, "ab12cd34", false); err != nil {
		t.Fatalf("backup code rejected: %v", err)
	}

	primary, err = v.VerifyPrimary(ctx, "admin@example.test", "correct horse battery staple", "")
	if err != nil {
		t.Fatalf("primary verification failed: %v", err)
	}
	_, err = v.VerifySecondFactor(ctx, primary.ProvisionalRef, "AB12-CD34", false)
	if !oerrors.IsCode(err, oerrors.CodeCodeRejected) {
		t.Fatalf("expected a burned backup code to be rejected, got %v", err)
	}
}

func TestWrongCodeAttemptsAreBounded(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)
	ctx := context.Background()

	primary, err := v.VerifyPrimary(ctx, "admin@example.test", "correct horse battery staple", "")
	if err != nil {
		t.Fatalf("primary verification failed: %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		_, err = v.VerifySecondFactor(ctx, primary.ProvisionalRef, "000000", false)
		if !oerrors.IsCode(err, oerrors.CodeCodeRejected) {
			t.Fatalf("attempt %d: expected code_rejected, got %v", attempt, err)
		}
	}

	_, err = v.VerifySecondFactor(ctx, primary.ProvisionalRef, "000000", false)
	if !oerrors.IsCode(err, oerrors.CodeReauthenticationRequired) {
		t.Fatalf("expected the attempt budget to exhaust the challenge, got %v", err)
	}

	// The challenge is gone even with the right code.
	_, err = v.VerifySecondFactor(ctx, primary.ProvisionalRef, currentCode(t, now), false)
	if !oerrors.IsCode(err, oerrors.CodeReauthenticationRequired) {
		t.Fatalf("expected the exhausted challenge to stay dead, got %v", err)
	}
}

func TestProvisionalReferenceExpires(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	current := start
	v := NewVerifier(Config{
		Hasher:         fastHasher(),
		Now:            func() time.Time { return current },
		ProvisionalTTL: 5 * time.Minute,
	})
	err := v.RegisterAccount(Account{
		Email:      "admin@example.test",
		SubjectID:  "adm_1",
		Password:   "pw",
		TOTPSecret: testSecret,
	})
	if err != nil {
		t.Fatalf("register account failed: %v", err)
	}

	ctx := context.Background()
	primary, err := v.VerifyPrimary(ctx, "admin@example.test", "pw", "")
	if err != nil {
		t.Fatalf("primary verification failed: %v", err)
	}

	current = start.Add(6 * time.Minute)
	_, err = v.VerifySecondFactor(ctx, primary.ProvisionalRef, currentCode(t, current), false)
	if !oerrors.IsCode(err, oerrors.CodeReauthenticationRequired) {
		t.Fatalf("expected an expired challenge to be rejected, got %v", err)
	}
}

func TestRefreshTokenRotation(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)
	ctx := context.Background()

	primary, err := v.VerifyPrimary(ctx, "admin@example.test", "correct horse battery staple", "")
	if err != nil {
		t.Fatalf("primary verification failed: %v", err)
	}
	result, err := v.VerifySecondFactor(ctx, primary.ProvisionalRef, currentCode(t, now), false)
	if err != nil {
		t.Fatalf("second factor failed: %v", err)
	}

	rotated, err := v.Refresh(ctx, result.Grant.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if rotated.RefreshToken == result.Grant.RefreshToken {
		t.Fatal("expected the refresh token to rotate")
	}

	// The spent token is revoked.
	_, err = v.Refresh(ctx, result.Grant.RefreshToken)
	if !oerrors.IsCode(err, oerrors.CodeInvalidCredentials) {
		t.Fatalf("expected the spent refresh token to be rejected, got %v", err)
	}

	if _, err := v.Refresh(ctx, rotated.RefreshToken); err != nil {
		t.Fatalf("rotated token refresh failed: %v", err)
	}
}

func TestDeviceTrustWaiver(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)
	ctx := context.Background()

	primary, err := v.VerifyPrimary(ctx, "admin@example.test", "correct horse battery staple", "")
	if err != nil {
		t.Fatalf("primary verification failed: %v", err)
	}
	result, err := v.VerifySecondFactor(ctx, primary.ProvisionalRef, currentCode(t, now), true)
	if err != nil {
		t.Fatalf("second factor failed: %v", err)
	}
	if result.DeviceToken == "" {
		t.Fatal("expected a device-trust token")
	}

	waived, err := v.VerifyPrimary(ctx, "admin@example.test", "correct horse battery staple", result.DeviceToken)
	if err != nil {
		t.Fatalf("trusted login failed: %v", err)
	}
	if waived.Grant == nil {
		t.Fatal("expected the second factor to be waived for the trusted device")
	}

	v.RevokeDeviceTrust("adm_1")
	revoked, err := v.VerifyPrimary(ctx, "admin@example.test", "correct horse battery staple", result.DeviceToken)
	if err != nil {
		t.Fatalf("login after revocation failed: %v", err)
	}
	if revoked.Grant != nil {
		t.Fatal("expected a revoked device token to fall back to the challenge")
	}
	if revoked.ProvisionalRef == "" {
		t.Fatal("expected a provisional reference after revocation")
	}
}

func TestRequestPasswordResetAlwaysAcknowledges(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)
	ctx := context.Background()

	if err := v.RequestPasswordReset(ctx, "admin@example.test"); err != nil {
		t.Fatalf("reset for known account failed: %v", err)
	}
	if err := v.RequestPasswordReset(ctx, "nobody@example.test"); err != nil {
		t.Fatalf("reset for unknown account failed: %v", err)
	}
}
