// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sdmg/gateway/internal/config"
	"github.com/sdmg/gateway/internal/defsbundle"
	"github.com/sdmg/gateway/internal/store"
)

// importDefinitions runs one bundle import against the configured database
// and exits. Deployment pipelines call this before rolling the server.
func importDefinitions(ctx context.Context, c cmdImportDefinitions, stdout, stderr io.Writer) error {
	cfg, err := config.Load(os.LookupEnv)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := newLogger(cfg, false, stderr)

	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if err := st.SeedTenants(ctx); err != nil {
		return err
	}

	tenantID := c.Tenant
	if tenantID == "" {
		tenantID = store.DefaultTenantID
	}
	loaded, inserted, err := defsbundle.Import(ctx, st, tenantID, c.Dir)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(stdout, "imported %d of %d definitions (%d already present)\n",
		inserted, loaded, loaded-inserted)
	return nil
}
