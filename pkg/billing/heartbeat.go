package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// Heartbeat performs a simple HTTP GET against "<serviceEndpoint>/heartbeat"
// and returns the decoded JSON response payload. It is a thin liveness probe
// a payer can run before opening a channel against a payee service, or that
// a payee can expose to let operators monitor the billing middleware.
func Heartbeat(ctx context.Context, serviceEndpoint string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serviceEndpoint+"/heartbeat", nil)
	if err != nil {
		return nil, fmt.Errorf("billing: building heartbeat request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("billing: heartbeat request to %s: %w", serviceEndpoint, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			zap.L().Error("failed to close heartbeat response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("billing: heartbeat failed with status %d", resp.StatusCode)
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("billing: decoding heartbeat response: %w", err)
	}
	return result, nil
}
