package qsdk

import (
	"errors"
	"testing"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/quatton/runbookgen/pkg/qauth"
	"github.com/quatton/runbookgen/pkg/qsdk/qerr"
)

func TestTokenStorage(t *testing.T) {
	keyring.MockInit()

	if err := SaveToken("https://Runbooks.example.com/", "tok"); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}
	got, err := LoadToken("https://runbooks.example.com")
	if err != nil || got != "tok" {
		t.Fatalf("expected tok, got %q (%v)", got, err)
	}
	if err := DeleteToken("https://runbooks.example.com"); err != nil {
		t.Fatalf("DeleteToken failed: %v", err)
	}
	if _, err := LoadToken("https://runbooks.example.com"); !errors.Is(err, keyring.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveToken(t *testing.T) {
	keyring.MockInit()
	chdirTemp(t)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	token, err := ResolveToken(cfg)
	if err != nil || token != "" {
		t.Fatalf("expected no token, got %q (%v)", token, err)
	}

	valid, _ := qauth.Sign([]byte("k"), "alice", "", time.Hour)
	SaveToken(cfg.BaseURL, valid)
	token, err = ResolveToken(cfg)
	if err != nil || token != valid {
		t.Fatalf("expected keyring token, got %q (%v)", token, err)
	}

	expired, _ := qauth.Sign([]byte("k"), "alice", "", time.Second)
	cfg.Viper().Set(TokenKey, expired)
	if _, err := ResolveToken(cfg); !qerr.IsCode(err, qerr.CodeUnauthorized) {
		t.Fatalf("expected unauthorized for a token inside the expiry skew, got %v", err)
	}
}
