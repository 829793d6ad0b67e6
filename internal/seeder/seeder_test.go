package seeder

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llmgate/internal/auth"
)

func TestSeedTestToken(t *testing.T) {
	var buf bytes.Buffer
	secret := []byte("dev-secret")

	token, err := SeedTestToken(secret, slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, err)

	tenant, err := auth.ParseToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, TestTenantID, tenant)
	assert.Contains(t, buf.String(), TestTenantID)
}
