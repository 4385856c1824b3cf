package adminauth

import (
	"context"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	oerrors "github.com/verostack/adminauth/pkg/errors"
	"github.com/verostack/adminauth/pkg/store"
	"github.com/verostack/adminauth/pkg/token"
)

type Config struct {
	// SessionBackend overrides runtime backend resolution when set.
	SessionBackend store.Backend
	Logger         logr.Logger

	// Clock is the time source used for all expiry arithmetic. Defaults to
	// time.Now; injected by tests.
	Clock func() time.Time

	Tokens  token.Config
	Runtime RuntimeConfig
}

// Client is the caller-facing surface of the authentication core: login,
// second-factor verification, logout, session query, and token-managed
// outbound calls.
type Client struct {
	orchestrator  *Orchestrator
	tokens        *token.Manager
	logger        logr.Logger
	closeResource func() error
}

// New wires the session store, token manager, and orchestrator around the
// given credential verifier. Call Resume once before any other entry point.
func New(v Verifier, config Config) (*Client, error) {
	closeResource, resolvedConfig, err := config.initialize(context.Background())
	if err != nil {
		return nil, err
	}

	if v == nil {
		_ = closeResource()
		return nil, oerrors.ErrMissingVerifier
	}

	sessions := store.New(resolvedConfig.SessionBackend, resolvedConfig.Logger, resolvedConfig.Clock)

	tokenConfig := resolvedConfig.Tokens
	tokenConfig.Logger = resolvedConfig.Logger
	tokenConfig.Now = resolvedConfig.Clock
	tokens := token.NewManager(sessions, v, tokenConfig)

	return &Client{
		orchestrator:  NewOrchestrator(sessions, v, resolvedConfig.Logger, resolvedConfig.Clock),
		tokens:        tokens,
		logger:        resolvedConfig.Logger,
		closeResource: closeResource,
	}, nil
}

// Resume runs the startup session-rehydration phase. Until it completes,
// every other entry point reports not_initialized.
func (c *Client) Resume(ctx context.Context) error {
	return c.orchestrator.Resume(ctx)
}

func (c *Client) Login(ctx context.Context, email string, password string) (State, error) {
	return c.orchestrator.Login(ctx, email, password)
}

func (c *Client) VerifySecondFactor(ctx context.Context, code string, trustDevice bool) (State, error) {
	return c.orchestrator.VerifySecondFactor(ctx, code, trustDevice)
}

func (c *Client) Logout(ctx context.Context) error {
	return c.orchestrator.Logout(ctx)
}

func (c *Client) ForgetDevice(ctx context.Context) error {
	return c.orchestrator.ForgetDevice(ctx)
}

func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	return c.orchestrator.RequestPasswordReset(ctx, email)
}

// State returns the current machine state and whether Resume has completed.
func (c *Client) State(ctx context.Context) (State, bool) {
	return c.orchestrator.State(ctx)
}

// Do runs fn with a valid access token attached, refreshing transparently.
func (c *Client) Do(ctx context.Context, fn func(ctx context.Context, accessToken string) error) error {
	return c.tokens.Do(ctx, fn)
}

// RoundTripper returns an http.RoundTripper that bearer-authenticates every
// request through the token manager.
func (c *Client) RoundTripper(base http.RoundTripper) http.RoundTripper {
	return c.tokens.RoundTripper(base)
}

// Tokens exposes the token manager for callers composing their own clients.
func (c *Client) Tokens() *token.Manager {
	return c.tokens
}

func (c *Client) Close() error {
	if c == nil || c.closeResource == nil {
		return nil
	}

	err := c.closeResource()
	if err != nil {
		return oerrors.Wrap(oerrors.CodeUnknown, "failed to close client resources", err)
	}
	c.closeResource = nil
	return nil
}
