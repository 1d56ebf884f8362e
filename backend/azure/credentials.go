// Package azure executes VM lifecycle and network operations through the
// Azure control plane.
//
// Every call is an independent, idempotent-safe API request; the executor
// holds no persistent connection. Synchronous callers (wait=true) are served
// by polling the instance view at a fixed interval under a hard ceiling, so
// a VM that never reaches the requested power state yields a timeout rather
// than an unbounded wait.
package azure

import (
	"fmt"
	"log/slog"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/azsap/sapops/config"
)

// NewCredential resolves the control-plane credential. A configured service
// principal secret wins; otherwise the default chain (CLI session, federated
// credential, managed identity) is used, so the process works both on an
// operator workstation and inside the platform.
func NewCredential(cfg *config.AzureConfig, logger *slog.Logger) (azcore.TokenCredential, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.ClientSecret != "" {
		cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
		if err == nil {
			logger.Debug("using service principal credential", "client_id", cfg.ClientID)
			return cred, nil
		}
		logger.Warn("service principal credential rejected, falling back to default chain", "error", err)
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("no usable azure credential: %w", err)
	}
	logger.Debug("using default azure credential chain")
	return cred, nil
}
