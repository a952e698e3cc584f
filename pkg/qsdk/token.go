package qsdk

import (
	"strings"

	"github.com/zalando/go-keyring"
)

const keyringService = "runbookgen"

// normalizeKey converts a baseURL into a stable keyring key so that
// https://example.com/ and https://example.com share one entry.
func normalizeKey(baseURL string) string {
	s := strings.TrimSpace(baseURL)
	s = strings.TrimRight(s, "/")
	s = strings.ToLower(s)
	return s
}

// SaveToken stores the token in the OS keyring under the normalized baseURL.
func SaveToken(baseURL string, token string) error {
	return keyring.Set(keyringService, normalizeKey(baseURL), token)
}

// LoadToken retrieves the token stored for baseURL. keyring.ErrNotFound is
// returned when there is none.
func LoadToken(baseURL string) (string, error) {
	return keyring.Get(keyringService, normalizeKey(baseURL))
}

// DeleteToken removes the token entry for baseURL.
func DeleteToken(baseURL string) error {
	return keyring.Delete(keyringService, normalizeKey(baseURL))
}
