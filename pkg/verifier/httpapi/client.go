package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oerrors "github.com/verostack/adminauth/pkg/errors"
	"github.com/verostack/adminauth/pkg/verifier"
)

const (
	DefaultTimeout = 15 * time.Second

	// maxResponseSize bounds response reads; the auth endpoints return small
	// JSON bodies and anything larger is misbehavior.
	maxResponseSize = 1 << 20
)

const (
	loginPath         = "/v1/auth/login"
	secondFactorPath  = "/v1/auth/second-factor"
	refreshPath       = "/v1/auth/refresh"
	passwordResetPath = "/v1/auth/password-reset"
)

type Config struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client speaks the JSON wire contract of the remote credential-verification
// endpoint. It performs no retries of its own; it classifies each failure as
// user-correctable or retryable and leaves retry policy to its callers.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

var _ verifier.Verifier = (*Client)(nil)

func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("httpapi verifier: base URL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &Client{
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		userAgent:  config.UserAgent,
		httpClient: httpClient,
	}, nil
}

type loginRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DeviceToken string `json:"device_token,omitempty"`
}

type loginResponse struct {
	SubjectID      string     `json:"subject_id"`
	ProvisionalRef string     `json:"provisional_ref,omitempty"`
	Grant          *grantBody `json:"grant,omitempty"`
}

type secondFactorRequest struct {
	ProvisionalRef string `json:"provisional_ref"`
	Code           string `json:"code"`
	TrustDevice    bool   `json:"trust_device,omitempty"`
}

type secondFactorResponse struct {
	SubjectID   string    `json:"subject_id"`
	Grant       grantBody `json:"grant"`
	DeviceToken string    `json:"device_token,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type passwordResetRequest struct {
	Email string `json:"email"`
}

type grantBody struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type apiErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g grantBody) grant() verifier.Grant {
	return verifier.Grant{
		AccessToken:  g.AccessToken,
		RefreshToken: g.RefreshToken,
		ExpiresAt:    g.ExpiresAt,
	}
}

func (c *Client) VerifyPrimary(ctx context.Context, email string, password string, deviceToken string) (verifier.PrimaryResult, error) {
	var body loginResponse
	err := c.post(ctx, loginPath, loginRequest{
		Email:       email,
		Password:    password,
		DeviceToken: deviceToken,
	}, &body, oerrors.CodeInvalidCredentials)
	if err != nil {
		return verifier.PrimaryResult{}, err
	}

	result := verifier.PrimaryResult{
		SubjectID:      body.SubjectID,
		ProvisionalRef: body.ProvisionalRef,
	}
	if body.Grant != nil {
		grant := body.Grant.grant()
		result.Grant = &grant
	}
	return result, nil
}

func (c *Client) VerifySecondFactor(ctx context.Context, provisionalRef string, code string, trustDevice bool) (verifier.SecondFactorResult, error) {
	var body secondFactorResponse
	err := c.post(ctx, secondFactorPath, secondFactorRequest{
		ProvisionalRef: provisionalRef,
		Code:           code,
		TrustDevice:    trustDevice,
	}, &body, oerrors.CodeCodeRejected)
	if err != nil {
		return verifier.SecondFactorResult{}, err
	}

	return verifier.SecondFactorResult{
		SubjectID:   body.SubjectID,
		Grant:       body.Grant.grant(),
		DeviceToken: body.DeviceToken,
	}, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (verifier.Grant, error) {
	var body grantBody
	err := c.post(ctx, refreshPath, refreshRequest{RefreshToken: refreshToken}, &body, oerrors.CodeInvalidCredentials)
	if err != nil {
		return verifier.Grant{}, err
	}
	return body.grant(), nil
}

func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	// The endpoint acknowledges regardless of account existence; any non-2xx
	// here is a service condition, never information about the account.
	return c.post(ctx, passwordResetPath, passwordResetRequest{Email: email}, nil, oerrors.CodeVerifierUnavailable)
}

// post sends one JSON request and classifies the outcome. rejectCode is the
// taxonomy code a 4xx response maps to; network failures, timeouts, and 5xx
// responses all classify as verifier_unavailable. Raw transport errors stay
// wrapped underneath the classified error and are never surfaced bare.
func (c *Client) post(ctx context.Context, path string, payload any, out any, rejectCode oerrors.Code) error {
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return oerrors.Wrap(oerrors.CodeUnknown, "failed to encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(requestBody))
	if err != nil {
		return oerrors.Wrap(oerrors.CodeUnknown, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return oerrors.Wrap(oerrors.CodeVerifierUnavailable, "request canceled", err)
		}
		return oerrors.Wrap(oerrors.CodeVerifierUnavailable, "verification service unreachable", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return oerrors.Wrap(oerrors.CodeVerifierUnavailable, "failed to read response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(responseBody, out); err != nil {
			return oerrors.Wrap(oerrors.CodeVerifierUnavailable, "malformed response from verification service", err)
		}
		return nil
	case resp.StatusCode >= 500:
		return oerrors.New(oerrors.CodeVerifierUnavailable, fmt.Sprintf("verification service error (HTTP %d)", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return oerrors.New(oerrors.CodeVerifierUnavailable, "verification service rate limited the request")
	default:
		return classifyRejection(resp.StatusCode, responseBody, rejectCode)
	}
}

// classifyRejection maps a 4xx body to a taxonomy code. When the endpoint
// names a code we recognize it wins over the caller's default; an expired
// provisional reference comes back this way as reauthentication_required.
func classifyRejection(statusCode int, body []byte, rejectCode oerrors.Code) error {
	var apiErr apiErrorBody
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		if code, ok := knownCode(apiErr.Error.Code); ok {
			return oerrors.New(code, apiErr.Error.Message)
		}
		return oerrors.New(rejectCode, apiErr.Error.Message)
	}
	return oerrors.New(rejectCode, fmt.Sprintf("request rejected (HTTP %d)", statusCode))
}

func knownCode(raw string) (oerrors.Code, bool) {
	switch code := oerrors.Code(raw); code {
	case oerrors.CodeInvalidCredentials,
		oerrors.CodeCodeRejected,
		oerrors.CodeMalformedCode,
		oerrors.CodeReauthenticationRequired:
		return code, true
	}
	return "", false
}
