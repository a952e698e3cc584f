package qart

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3StorePrefix(t *testing.T) {
	for _, tc := range []struct {
		prefix string
		want   string
	}{
		{"", "runs/r1/runbook.md"},
		{"prod", "prod/runs/r1/runbook.md"},
		{"/prod/", "prod/runs/r1/runbook.md"},
	} {
		s, err := NewS3Store(S3Config{Endpoint: "localhost:9000", Bucket: "runbooks", Prefix: tc.prefix})
		require.NoError(t, err)
		assert.Equal(t, tc.want, s.objectKey(RunArtifactKey("r1", RunbookFile)))
	}
}

func TestS3StoreRequiresBucket(t *testing.T) {
	_, err := NewS3Store(S3Config{Endpoint: "localhost:9000"})
	require.Error(t, err)
}
