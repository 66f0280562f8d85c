// Package token fetches short-lived session credentials from the backend.
// Tokens are single-use: one call attempt consumes one token, and a failed
// attempt never retries with the same one.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/greengrow/cct/pkg/errorsx"
	"github.com/greengrow/cct/pkg/resilience"
)

// Token is one ephemeral credential.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Issuer mints a fresh token per call attempt.
type Issuer interface {
	Issue(ctx context.Context) (Token, error)
}

// HTTPIssuer requests tokens from a backend endpoint via POST. Transient
// backend failures are retried; the minted token itself is still used at
// most once.
type HTTPIssuer struct {
	endpoint string
	client   *http.Client
	retry    resilience.RetryPolicy
}

func NewHTTPIssuer(endpoint string, client *http.Client) *HTTPIssuer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPIssuer{
		endpoint: endpoint,
		client:   client,
		retry:    resilience.NewRetryPolicy(2, 200*time.Millisecond),
	}
}

func (i *HTTPIssuer) Issue(ctx context.Context) (Token, error) {
	var tok Token
	err := i.retry.Do(func() error {
		var err error
		tok, err = i.issueOnce(ctx)
		return err
	})
	return tok, err
}

func (i *HTTPIssuer) issueOnce(ctx context.Context) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, nil)
	if err != nil {
		return Token{}, errorsx.Wrap(fmt.Errorf("build token request: %w", err), errorsx.ReasonTokenIssue)
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return Token{}, errorsx.Wrap(fmt.Errorf("request token: %w", err), errorsx.ReasonTokenIssue)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Token{}, errorsx.Wrap(
			fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body),
			errorsx.ReasonTokenIssue)
	}

	var tok Token
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return Token{}, errorsx.Wrap(fmt.Errorf("decode token response: %w", err), errorsx.ReasonTokenIssue)
	}
	if tok.Value == "" {
		return Token{}, errorsx.Wrap(
			fmt.Errorf("token endpoint returned empty token"),
			errorsx.ReasonTokenIssue)
	}
	return tok, nil
}

// Static returns the same token forever; used in tests and for endpoints
// that accept long-lived keys.
type Static string

func (s Static) Issue(context.Context) (Token, error) {
	return Token{Value: string(s)}, nil
}
