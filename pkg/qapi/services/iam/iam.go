package iam

import (
	"context"
	"time"

	"github.com/quatton/runbookgen/pkg/qauth"
)

type contextKey string

const principalKey contextKey = "principal"

// IAMService verifies bearer tokens minted with the server's AUTH_SECRET.
// Without a secret every request is anonymous and allowed.
type IAMService struct {
	secret []byte
}

func NewIAMService(secret string) *IAMService {
	return &IAMService{secret: []byte(secret)}
}

// Enabled reports whether requests must carry a token.
func (s *IAMService) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Issue mints a token for subject, used by `runbookd token`.
func (s *IAMService) Issue(subject, name string, ttl time.Duration) (string, error) {
	return qauth.Sign(s.secret, subject, name, ttl)
}

// Get returns the authenticated principal, if any.
func (s *IAMService) Get(ctx context.Context) (*qauth.Claims, bool) {
	c, ok := ctx.Value(principalKey).(*qauth.Claims)
	return c, ok
}
