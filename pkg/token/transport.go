package token

import (
	"net/http"
)

// RoundTripper returns an http.RoundTripper that attaches a bearer token to
// every request, refreshing it first when needed. base defaults to
// http.DefaultTransport.
func (m *Manager) RoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authedTransport{
		base:    base,
		manager: m,
	}
}

type authedTransport struct {
	base    http.RoundTripper
	manager *Manager
}

func (t *authedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	accessToken, err := t.manager.Token(req.Context())
	if err != nil {
		return nil, err
	}

	// Per RoundTripper contract the original request is not mutated.
	authed := req.Clone(req.Context())
	authed.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := t.base.RoundTrip(authed)
	if err != nil {
		return nil, err
	}

	if _, err := t.manager.store.UpdateActivity(req.Context()); err != nil {
		t.manager.logger.V(1).Info("failed to persist activity bump", "error", err.Error())
	}
	return resp, nil
}
