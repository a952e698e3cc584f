package k8s

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKubeconfig = `apiVersion: v1
kind: Config
clusters:
- name: dev
  cluster:
    server: https://dev.example.com:6443
- name: prod
  cluster:
    server: https://prod.example.com:6443
contexts:
- name: dev
  context:
    cluster: dev
    user: ci
- name: prod
  context:
    cluster: prod
    user: ci
current-context: dev
users:
- name: ci
  user:
    token: abc
`

func TestRestConfigContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte(testKubeconfig), 0o600))

	c, err := RestConfig(ClientConfig{Kubeconfig: path})
	require.NoError(t, err)
	assert.Equal(t, "https://dev.example.com:6443", c.Host)

	c, err = RestConfig(ClientConfig{Kubeconfig: path, Context: "prod"})
	require.NoError(t, err)
	assert.Equal(t, "https://prod.example.com:6443", c.Host)
	assert.Equal(t, "abc", c.BearerToken)
}

func TestNewClientMissingKubeconfig(t *testing.T) {
	_, err := NewClient(ClientConfig{Kubeconfig: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
}
