// Package app wires the provisioning stack from configuration. It is shared
// by the server and the operator CLI.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailrice/internal/config"
	"github.com/ignite/mailrice/internal/maildir"
	"github.com/ignite/mailrice/internal/metrics"
	"github.com/ignite/mailrice/internal/password"
	"github.com/ignite/mailrice/internal/pkg/distlock"
	"github.com/ignite/mailrice/internal/pkg/logger"
	"github.com/ignite/mailrice/internal/service/apikey"
	"github.com/ignite/mailrice/internal/service/provisioning"
	"github.com/ignite/mailrice/internal/signing"
	"github.com/ignite/mailrice/internal/store"
)

// App holds the long-lived components. Close releases them.
type App struct {
	Config      *config.Config
	Store       *store.Store
	Signing     *signing.Manager
	Coordinator *provisioning.Coordinator
	APIKeys     *apikey.Service

	notifier *signing.Notifier
	redis    *redis.Client
}

// ConfigureLogger applies the log section to the default logger.
func ConfigureLogger(cfg config.LogConfig) {
	logger.SetLevel(logger.ParseLevel(cfg.Level))
	logger.SetRedactPII(cfg.RedactPII)
}

// New opens the store, runs migrations when migrate is set, and builds the
// coordinator with its lock backend, reload notifier and escrow.
func New(ctx context.Context, cfg *config.Config, migrate bool) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	ConfigureLogger(cfg.Log)

	st, err := store.Open(ctx, store.Options{
		Driver:       cfg.Database.Driver,
		URL:          cfg.Database.URL,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		LockTimeout:  cfg.Database.LockTimeout(),
	})
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Store: st}
	if migrate {
		if err := st.Migrate(); err != nil {
			a.Close()
			return nil, err
		}
	}

	locks, err := a.lockFactory(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Signing = signing.NewManager(signing.Config{
		KeyTable:     cfg.Signing.KeyTable,
		SigningTable: cfg.Signing.SigningTable,
		Keys:         signing.NewKeyStore(cfg.Signing.KeysDir).WithOwner(cfg.Signing.UID, cfg.Signing.GID),
		Locks:        locks,
		Retry: distlock.RetryPolicy{
			MaxAttempts: cfg.Locking.MaxAttempts,
			BaseDelay:   cfg.Locking.BaseDelay(),
			MaxDelay:    cfg.Locking.MaxDelay(),
		},
	})

	var escrow signing.Escrow = signing.NopEscrow{}
	if cfg.Escrow.Enabled {
		s3e, err := signing.NewS3Escrow(ctx, signing.S3EscrowConfig{
			Bucket:  cfg.Escrow.Bucket,
			Region:  cfg.Escrow.Region,
			Prefix:  cfg.Escrow.Prefix,
			Profile: cfg.Escrow.AWSProfile,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		escrow = s3e
	}

	a.notifier = signing.NewNotifier(reloader(cfg.Signing), cfg.Signing.ReloadTimeout())
	a.notifier.OnResult = metrics.Reload
	a.notifier.Start()

	a.Coordinator = provisioning.New(provisioning.Options{
		Repo:             provisioning.StoreRepository(st),
		Signing:          a.Signing,
		Maildirs:         maildir.New(cfg.Maildir.Base, cfg.Maildir.UID, cfg.Maildir.GID),
		Hasher:           password.NewBcrypt(cfg.Password.BcryptCost),
		Escrow:           escrow,
		Reload:           a.notifier,
		KeyBits:          cfg.Signing.KeyBits,
		KeygenPolicy:     provisioning.KeygenPolicy(cfg.Signing.KeygenPolicy),
		OperationTimeout: cfg.Provisioning.OperationTimeout(),
		DNS: provisioning.DNSConfig{
			MailHostname: cfg.DNS.MailHostname,
			ServerIP:     cfg.DNS.ServerIP,
		},
	})
	a.APIKeys = apikey.NewService(st)

	logger.Info("provisioning stack ready",
		"database", cfg.Database.Driver, "lock_backend", cfg.Locking.Backend,
		"escrow", cfg.Escrow.Enabled, "keygen_policy", cfg.Signing.KeygenPolicy)
	return a, nil
}

func (a *App) lockFactory(ctx context.Context) (distlock.Factory, error) {
	opts := distlock.Options{Backend: a.Config.Locking.Backend, LockDir: a.Config.Locking.Dir, TTL: a.Config.Locking.TTL()}
	switch a.Config.Locking.Backend {
	case distlock.BackendRedis:
		ropts, err := redis.ParseURL(a.Config.Locking.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.redis = redis.NewClient(ropts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		opts.Redis = a.redis
	case distlock.BackendPostgres:
		opts.DB = a.Store.DB()
	}
	return distlock.NewFactory(opts)
}

func reloader(cfg config.SigningConfig) signing.Reloader {
	if cfg.ReloadPIDFile != "" {
		return signing.SignalReloader{PIDFile: cfg.ReloadPIDFile}
	}
	return signing.CommandReloader{Args: cfg.ReloadCommand}
}

// Close drains the reload notifier and closes connections.
func (a *App) Close() {
	if a.notifier != nil {
		a.notifier.Stop()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			logger.Warn("close store", "error", err)
		}
	}
}
