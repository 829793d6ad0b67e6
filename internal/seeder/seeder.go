// Package seeder provisions development credentials.
package seeder

import (
	"log/slog"
	"time"

	"github.com/vnmchuo/llmgate/internal/auth"
)

const (
	TestTenantID = "00000000-0000-0000-0000-000000000001"
	testTokenTTL = 24 * time.Hour
)

// SeedTestToken issues a bearer token for the test tenant and logs it.
func SeedTestToken(secret []byte, logger *slog.Logger) (string, error) {
	token, err := auth.IssueToken(secret, TestTenantID, testTokenTTL)
	if err != nil {
		return "", err
	}
	logger.Info("[Seeder] test token issued",
		"tenant_id", TestTenantID,
		"expires_in", testTokenTTL.String(),
		"token", token,
	)
	return token, nil
}
