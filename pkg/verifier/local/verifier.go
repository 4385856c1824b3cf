package local

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/verostack/adminauth/pkg/crypto"
	oerrors "github.com/verostack/adminauth/pkg/errors"
	"github.com/verostack/adminauth/pkg/verifier"
)

const (
	DefaultProvisionalTTL  = 5 * time.Minute
	DefaultMaxCodeAttempts = 5
	DefaultAccessTokenTTL  = 15 * time.Minute
)

// Account is the registration input for one administrator. Password and
// BackupCodes arrive in the clear and are hashed before storage; TOTPSecret
// is the base32 secret shared with the administrator's authenticator app.
type Account struct {
	Email       string
	SubjectID   string
	Password    string
	TOTPSecret  string
	BackupCodes []string
}

type Config struct {
	Hasher          crypto.Hasher
	Now             func() time.Time
	ProvisionalTTL  time.Duration
	MaxCodeAttempts int
	AccessTokenTTL  time.Duration
}

type account struct {
	email            string
	subjectID        string
	passwordHash     string
	totpSecret       string
	backupCodeHashes []string
}

type provisional struct {
	subjectID string
	attempts  int
	expiresAt time.Time
}

// Verifier is an in-process credential verifier for development and tests.
// It keeps every account, pending challenge, and issued token in memory and
// mints opaque tokens with the same lifecycle a remote endpoint would:
// provisional references expire and tolerate a bounded number of wrong codes,
// refresh tokens rotate on use, and backup codes burn after one acceptance.
type Verifier struct {
	hasher          crypto.Hasher
	now             func() time.Time
	provisionalTTL  time.Duration
	maxCodeAttempts int
	accessTokenTTL  time.Duration

	mu           sync.Mutex
	accounts     map[string]*account
	provisionals map[string]*provisional
	refreshes    map[string]string
	devices      map[string]string
}

var _ verifier.Verifier = (*Verifier)(nil)

func NewVerifier(config Config) *Verifier {
	if config.Hasher == nil {
		config.Hasher = crypto.NewPBKDF2Hasher(crypto.DefaultPBKDF2Options())
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.ProvisionalTTL <= 0 {
		config.ProvisionalTTL = DefaultProvisionalTTL
	}
	if config.MaxCodeAttempts <= 0 {
		config.MaxCodeAttempts = DefaultMaxCodeAttempts
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}

	return &Verifier{
		hasher:          config.Hasher,
		now:             config.Now,
		provisionalTTL:  config.ProvisionalTTL,
		maxCodeAttempts: config.MaxCodeAttempts,
		accessTokenTTL:  config.AccessTokenTTL,
		accounts:        make(map[string]*account),
		provisionals:    make(map[string]*provisional),
		refreshes:       make(map[string]string),
		devices:         make(map[string]string),
	}
}

// RegisterAccount hashes the account's password and backup codes and stores
// the account. Registering the same email again replaces the earlier entry.
func (v *Verifier) RegisterAccount(input Account) error {
	if input.Email == "" || input.SubjectID == "" {
		return oerrors.New(oerrors.CodeUnknown, "account requires an email and subject id")
	}

	passwordHash, err := v.hasher.Hash(input.Password)
	if err != nil {
		return oerrors.Wrap(oerrors.CodeUnknown, "failed to hash account password", err)
	}

	backupHashes := make([]string, 0, len(input.BackupCodes))
	for _, code := range input.BackupCodes {
		hash, err := v.hasher.Hash(normalizeBackupCode(code))
		if err != nil {
			return oerrors.Wrap(oerrors.CodeUnknown, "failed to hash backup code", err)
		}
		backupHashes = append(backupHashes, hash)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.accounts[normalizeEmail(input.Email)] = &account{
		email:            input.Email,
		subjectID:        input.SubjectID,
		passwordHash:     passwordHash,
		totpSecret:       input.TOTPSecret,
		backupCodeHashes: backupHashes,
	}
	return nil
}

func (v *Verifier) VerifyPrimary(ctx context.Context, email string, password string, deviceToken string) (verifier.PrimaryResult, error) {
	if err := ctx.Err(); err != nil {
		return verifier.PrimaryResult{}, oerrors.Wrap(oerrors.CodeVerifierUnavailable, "request canceled", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	acct, ok := v.accounts[normalizeEmail(email)]
	if !ok {
		return verifier.PrimaryResult{}, oerrors.New(oerrors.CodeInvalidCredentials, "email or password is incorrect")
	}
	match, err := v.hasher.Verify(password, acct.passwordHash)
	if err != nil {
		return verifier.PrimaryResult{}, oerrors.Wrap(oerrors.CodeVerifierUnavailable, "failed to check password", err)
	}
	if !match {
		return verifier.PrimaryResult{}, oerrors.New(oerrors.CodeInvalidCredentials, "email or password is incorrect")
	}

	// A token previously issued for this subject waives the second factor.
	// Tokens for other subjects are ignored rather than rejected so a shared
	// machine never locks out a second administrator.
	if deviceToken != "" && v.devices[deviceToken] == acct.subjectID {
		grant := v.mintGrantLocked(acct.subjectID)
		return verifier.PrimaryResult{SubjectID: acct.subjectID, Grant: &grant}, nil
	}

	ref := uuid.NewString()
	v.provisionals[ref] = &provisional{
		subjectID: acct.subjectID,
		expiresAt: v.now().Add(v.provisionalTTL),
	}
	return verifier.PrimaryResult{SubjectID: acct.subjectID, ProvisionalRef: ref}, nil
}

func (v *Verifier) VerifySecondFactor(ctx context.Context, provisionalRef string, code string, trustDevice bool) (verifier.SecondFactorResult, error) {
	if err := ctx.Err(); err != nil {
		return verifier.SecondFactorResult{}, oerrors.Wrap(oerrors.CodeVerifierUnavailable, "request canceled", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	pending, ok := v.provisionals[provisionalRef]
	if !ok {
		return verifier.SecondFactorResult{}, oerrors.New(oerrors.CodeReauthenticationRequired, "login challenge is no longer valid")
	}
	if !v.now().Before(pending.expiresAt) {
		delete(v.provisionals, provisionalRef)
		return verifier.SecondFactorResult{}, oerrors.New(oerrors.CodeReauthenticationRequired, "login challenge expired")
	}

	acct := v.accountBySubjectLocked(pending.subjectID)
	if acct == nil {
		delete(v.provisionals, provisionalRef)
		return verifier.SecondFactorResult{}, oerrors.New(oerrors.CodeReauthenticationRequired, "account is no longer available")
	}

	accepted, err := v.checkCodeLocked(acct, code)
	if err != nil {
		return verifier.SecondFactorResult{}, err
	}
	if !accepted {
		pending.attempts++
		if pending.attempts >= v.maxCodeAttempts {
			delete(v.provisionals, provisionalRef)
			return verifier.SecondFactorResult{}, oerrors.New(oerrors.CodeReauthenticationRequired, "too many incorrect codes")
		}
		return verifier.SecondFactorResult{}, oerrors.New(oerrors.CodeCodeRejected, "verification code is incorrect")
	}

	delete(v.provisionals, provisionalRef)

	result := verifier.SecondFactorResult{
		SubjectID: acct.subjectID,
		Grant:     v.mintGrantLocked(acct.subjectID),
	}
	if trustDevice {
		token := uuid.NewString()
		v.devices[token] = acct.subjectID
		result.DeviceToken = token
	}
	return result, nil
}

func (v *Verifier) Refresh(ctx context.Context, refreshToken string) (verifier.Grant, error) {
	if err := ctx.Err(); err != nil {
		return verifier.Grant{}, oerrors.Wrap(oerrors.CodeVerifierUnavailable, "request canceled", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	subjectID, ok := v.refreshes[refreshToken]
	if !ok {
		return verifier.Grant{}, oerrors.New(oerrors.CodeInvalidCredentials, "refresh token is not valid")
	}

	// Rotation: the presented token is spent whether or not the caller ever
	// sees the replacement.
	delete(v.refreshes, refreshToken)
	return v.mintGrantLocked(subjectID), nil
}

func (v *Verifier) RequestPasswordReset(ctx context.Context, email string) error {
	if err := ctx.Err(); err != nil {
		return oerrors.Wrap(oerrors.CodeVerifierUnavailable, "request canceled", err)
	}
	// Acknowledge uniformly. Whether the address maps to an account stays
	// unobservable through this path.
	return nil
}

// RevokeDeviceTrust drops every device token issued for the subject.
func (v *Verifier) RevokeDeviceTrust(subjectID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for token, sid := range v.devices {
		if sid == subjectID {
			delete(v.devices, token)
		}
	}
}

func (v *Verifier) mintGrantLocked(subjectID string) verifier.Grant {
	refreshToken := uuid.NewString()
	v.refreshes[refreshToken] = subjectID
	return verifier.Grant{
		AccessToken:  uuid.NewString(),
		RefreshToken: refreshToken,
		ExpiresAt:    v.now().Add(v.accessTokenTTL),
	}
}

func (v *Verifier) accountBySubjectLocked(subjectID string) *account {
	for _, acct := range v.accounts {
		if acct.subjectID == subjectID {
			return acct
		}
	}
	return nil
}

// checkCodeLocked accepts either a current TOTP code or one of the account's
// unused backup codes. An accepted backup code is removed.
func (v *Verifier) checkCodeLocked(acct *account, code string) (bool, error) {
	if acct.totpSecret != "" {
		valid, err := totp.ValidateCustom(code, acct.totpSecret, v.now(), totp.ValidateOpts{
			Period:    30,
			Skew:      1,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err == nil && valid {
			return true, nil
		}
	}

	normalized := normalizeBackupCode(code)
	for i, hash := range acct.backupCodeHashes {
		match, err := v.hasher.Verify(normalized, hash)
		if err != nil {
			return false, oerrors.Wrap(oerrors.CodeVerifierUnavailable, "failed to check backup code", err)
		}
		if match {
			acct.backupCodeHashes = append(acct.backupCodeHashes[:i], acct.backupCodeHashes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeBackupCode(code string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
}
