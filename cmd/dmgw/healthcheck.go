// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// healthcheck probes a running gateway's health endpoint. Docker HEALTHCHECK
// runs this inside the container; exit 0 means healthy.
func healthcheck(ctx context.Context, c cmdHealthcheck, stdout io.Writer) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to gateway")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d, body: %s", resp.StatusCode, string(body))
	}

	_, _ = fmt.Fprintf(stdout, "%s", body)
	return nil
}
