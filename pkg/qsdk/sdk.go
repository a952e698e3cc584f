package qsdk

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/quatton/runbookgen/pkg/qauth"
	"github.com/quatton/runbookgen/pkg/qsdk/qerr"
)

// TokenKey lets RUNBOOK_TOKEN override the keyring entry.
const TokenKey = "token"

// expirySkew treats tokens about to expire as already expired.
const expirySkew = 30 * time.Second

// NewSdk returns a Client for cfg.BaseURL authenticated with the token from
// RUNBOOK_TOKEN or, failing that, the OS keyring. A missing token is not an
// error; the server decides whether auth is required.
func NewSdk(cfg *Config) (*Client, error) {
	token, err := ResolveToken(cfg)
	if err != nil {
		return nil, err
	}
	return NewClient(cfg.BaseURL,
		WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
		WithToken(token),
	)
}

// ResolveToken returns the bearer token to use for cfg, or "" if none is
// configured.
func ResolveToken(cfg *Config) (string, error) {
	token := cfg.GetString(TokenKey)
	if token == "" {
		stored, err := LoadToken(cfg.BaseURL)
		switch {
		case errors.Is(err, keyring.ErrNotFound):
			return "", nil
		case err != nil:
			return "", qerr.New(qerr.CodeUnknown, fmt.Errorf("reading keyring: %w", err))
		}
		token = stored
	}

	expired, err := qauth.IsTokenExpired(token, expirySkew)
	if err != nil {
		return "", qerr.New(qerr.CodeUnauthorized, fmt.Errorf("malformed token: %w", err))
	}
	if expired {
		return "", qerr.New(qerr.CodeUnauthorized, errors.New("token expired; store a new one with `runbookctl token set`"))
	}
	return token, nil
}
