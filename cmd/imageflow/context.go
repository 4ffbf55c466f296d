package main

import (
	"context"
	"fmt"

	"imageflow/internal/blobstore"
	"imageflow/internal/config"
	"imageflow/internal/metastore"
)

// commandContext lazily loads configuration and opens shared resources so
// subcommands stay small.
type commandContext struct {
	configFlag *string

	cfg     *config.Config
	cfgPath string
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) configPathValue() string {
	if c.configFlag == nil {
		return ""
	}
	return *c.configFlag
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, resolvedPath, _, err := config.Load(c.configPathValue())
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	c.cfgPath = resolvedPath
	return cfg, nil
}

func (c *commandContext) openStore(ctx context.Context) (metastore.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	switch cfg.Store.Backend {
	case "postgres":
		return metastore.OpenPostgres(ctx, cfg.Store.PostgresURL, cfg.Store.MaxConns)
	case "sqlite", "":
		return metastore.OpenSQLite(ctx, cfg.QueueDatabasePath())
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func (c *commandContext) openBlobs() (*blobstore.FSStore, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return blobstore.NewFSStore(cfg.Paths.BlobRoot)
}
