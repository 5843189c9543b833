package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/everydev1618/threads/budget"
	"github.com/everydev1618/threads/chain"
	"github.com/everydev1618/threads/config"
	"github.com/everydev1618/threads/internal/logging"
	"github.com/everydev1618/threads/internal/sqlitedb"
	"github.com/everydev1618/threads/items"
	"github.com/everydev1618/threads/store"
)

// env is what most commands need: config, logger, the item store and trust.
// Storage is opened on demand.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	items  *items.Store
	trust  *chain.TrustStore

	db       *sql.DB
	registry *store.Registry
	ledger   *budget.Ledger
}

func loadEnv() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	logger, err := logging.New(level, logJSON || cfg.Logging.JSON)
	if err != nil {
		return nil, err
	}

	trust, err := chain.OpenTrustStore(projectPath(cfg.Chain.TrustDir), logger)
	if err != nil {
		return nil, fmt.Errorf("open trust store: %w", err)
	}

	opts := []items.StoreOption{
		items.WithRoot(chain.SpaceProject, projectPath(cfg.Chain.ItemsDir)),
		items.WithRoot(chain.SpaceUser, config.UserItemsDir()),
		items.WithLogger(logger),
	}
	if dir := os.Getenv("THREADS_SYSTEM_ITEMS"); dir != "" {
		opts = append(opts, items.WithRoot(chain.SpaceSystem, dir))
	}

	return &env{
		cfg:    cfg,
		logger: logger,
		items:  items.NewStore(opts...),
		trust:  trust,
	}, nil
}

// loadConfig reads --config, then the project config, then the user config,
// falling back to defaults.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	for _, p := range []string{
		filepath.Join(projectDir, ".threads", "config.yaml"),
		filepath.Join(projectDir, ".threads", "config.toml"),
		config.UserConfigPath(),
	} {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}
	return config.Default(), nil
}

func projectPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(projectDir, p)
}

// openStorage opens the registry and ledger on one shared database.
func (e *env) openStorage() error {
	if e.db != nil {
		return nil
	}
	path := projectPath(e.cfg.Storage.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	db, err := sqlitedb.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	reg, err := store.New(db, store.WithLogger(e.logger))
	if err != nil {
		db.Close()
		return err
	}
	ledger, err := budget.New(db, budget.WithLogger(e.logger))
	if err != nil {
		db.Close()
		return err
	}
	e.db, e.registry, e.ledger = db, reg, ledger
	return nil
}

func (e *env) lockStore() *chain.LockStore {
	return chain.NewLockStore(projectPath(e.cfg.Chain.LockfileDir))
}

func (e *env) resolver() *chain.Resolver {
	return chain.NewResolver(e.items, e.trust,
		chain.WithLockStore(e.lockStore()),
		chain.WithMaxDepth(e.cfg.Chain.MaxDepth),
		chain.WithLogger(e.logger),
	)
}

func (e *env) Close() error {
	var err error
	if e.db != nil {
		err = e.db.Close()
	}
	_ = e.logger.Sync()
	return err
}

// withEnv runs fn with a loaded env and closes it afterwards.
func withEnv(fn func(*env) error) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	return errors.Join(fn(e), e.Close())
}
