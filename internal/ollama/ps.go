// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

// LoadedCount returns how many models the Ollama server currently holds in
// memory, via GET /api/ps. This is the saturation signal: a server juggling
// multiple resident models is already under memory pressure.
func (c *Client) LoadedCount(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/api/ps", nil)
	if err != nil {
		return 0, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, ErrTimeout
		}
		return 0, ErrNotRunning
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &ClientError{
			Type:    ErrTypeInvalidResponse,
			Message: "ps request failed: " + resp.Status,
		}
	}

	var result PsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	return len(result.Models), nil
}
