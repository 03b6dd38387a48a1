package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/miradorstack/mirador-watchdog/internal/governance"
)

// GovernanceClient asks a remote policy service whether a remediation may run.
type GovernanceClient struct {
	http      httpClient
	checkPath string
}

// NewGovernanceClient constructs a client for the oracle at baseURL.
func NewGovernanceClient(baseURL, checkPath, token string, timeout time.Duration) *GovernanceClient {
	if checkPath == "" {
		checkPath = "/v1/governance/check"
	}
	return &GovernanceClient{
		http:      newHTTPClient("governance oracle", baseURL, token, timeout),
		checkPath: checkPath,
	}
}

// Check posts req and returns the oracle's decision. Transport failures are
// returned as errors; the caller decides whether to fail open or closed.
func (c *GovernanceClient) Check(ctx context.Context, req governance.Request) (governance.Decision, error) {
	if c == nil {
		return governance.Decision{}, fmt.Errorf("governance client not initialised")
	}
	var decision governance.Decision
	if err := c.http.postJSON(ctx, c.http.resolvePath(c.checkPath), req, &decision); err != nil {
		return governance.Decision{}, fmt.Errorf("governance check failed: %w", err)
	}
	return decision, nil
}
