package qauth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the iss claim of tokens minted by runbookd.
const Issuer = "runbookgen"

var (
	ErrMissingSecret = errors.New("qauth: signing secret is empty")
	ErrInvalidToken  = errors.New("qauth: invalid token")
)

// Claims is the flat payload of a runbookgen bearer token. When parsed
// without verification it is only fit for display and expiry checks.
type Claims struct {
	Subject string
	Name    string
	Scope   string
	Iss     string
	Aud     string
	Iat     int64
	Exp     int64
}

// ParseTokenClaims extracts raw claims from a JWT without verifying its
// signature. Numeric timestamps come back as float64.
func ParseTokenClaims(tokenStr string) (jwt.MapClaims, error) {
	var claims jwt.MapClaims
	parser := new(jwt.Parser)
	_, _, err := parser.ParseUnverified(tokenStr, &claims)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// FromToken reads the claims of tokenStr without verification.
func FromToken(tokenStr string) (*Claims, error) {
	claims, err := ParseTokenClaims(tokenStr)
	if err != nil {
		return nil, err
	}
	return FromMapClaims(claims), nil
}

// FromMapClaims maps jwt claims into Claims, tolerating numeric subjects
// and either float64 or int64 timestamps.
func FromMapClaims(mc jwt.MapClaims) *Claims {
	c := &Claims{}

	if sub, ok := mc["sub"]; ok {
		switch v := sub.(type) {
		case string:
			c.Subject = v
		case float64:
			c.Subject = strconv.FormatInt(int64(v), 10)
		default:
			c.Subject = fmt.Sprintf("%v", v)
		}
	}
	if name, ok := mc["name"].(string); ok {
		c.Name = name
	}
	if scope, ok := mc["scope"].(string); ok {
		c.Scope = scope
	}
	if iss, ok := mc["iss"].(string); ok {
		c.Iss = iss
	}
	if aud, ok := mc["aud"].(string); ok {
		c.Aud = aud
	}
	c.Iat = unixClaim(mc["iat"])
	c.Exp = unixClaim(mc["exp"])
	return c
}

func unixClaim(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

// ToClaims converts c into jwt.MapClaims, omitting empty fields.
func ToClaims(c *Claims) jwt.MapClaims {
	mc := jwt.MapClaims{}
	if c.Subject != "" {
		mc["sub"] = c.Subject
	}
	if c.Name != "" {
		mc["name"] = c.Name
	}
	if c.Scope != "" {
		mc["scope"] = c.Scope
	}
	if c.Iss != "" {
		mc["iss"] = c.Iss
	}
	if c.Aud != "" {
		mc["aud"] = c.Aud
	}
	if c.Iat != 0 {
		mc["iat"] = c.Iat
	}
	if c.Exp != 0 {
		mc["exp"] = c.Exp
	}
	return mc
}

// Sign mints an HS256 token for subject valid for ttl.
func Sign(secret []byte, subject, name string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", ErrMissingSecret
	}
	now := time.Now()
	c := &Claims{
		Subject: subject,
		Name:    name,
		Scope:   "runs",
		Iss:     Issuer,
		Iat:     now.Unix(),
	}
	if ttl > 0 {
		c.Exp = now.Add(ttl).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ToClaims(c))
	return token.SignedString(secret)
}

// Verify checks the signature and expiry of tokenStr and returns its claims.
func Verify(secret []byte, tokenStr string) (*Claims, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	var mc jwt.MapClaims
	_, err := jwt.ParseWithClaims(tokenStr, &mc, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(Issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return FromMapClaims(mc), nil
}

// IsTokenExpired returns true when the token is expired or within skew of
// expiring. The signature is not verified.
func IsTokenExpired(token string, skew time.Duration) (bool, error) {
	if token == "" {
		return true, nil
	}
	c, err := FromToken(token)
	if err != nil {
		return true, err
	}
	if c.Exp == 0 {
		return false, nil
	}
	expiresAt := time.Unix(c.Exp, 0).Add(-skew)
	return time.Now().After(expiresAt), nil
}
