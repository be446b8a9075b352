package provisioning

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/mailrice/internal/domain"
	"github.com/ignite/mailrice/internal/maildir"
	"github.com/ignite/mailrice/internal/metrics"
	"github.com/ignite/mailrice/internal/password"
	"github.com/ignite/mailrice/internal/pkg/logger"
	"github.com/ignite/mailrice/internal/signing"
)

// Operation names used in errors, logs and metrics.
const (
	OpCreateDomain   = "create_domain"
	OpDeleteDomain   = "delete_domain"
	OpRotateKey      = "rotate_signing_key"
	OpCreateMailbox  = "create_mailbox"
	OpDeleteMailbox  = "delete_mailbox"
	OpUpdatePassword = "update_mailbox_password"
	OpReconcile      = "reconcile"
)

// KeygenPolicy decides when CreateDomain generates its key pair.
type KeygenPolicy string

const (
	// KeygenUnderLock generates after the name lock is held, so only the
	// winner of a race pays for key generation.
	KeygenUnderLock KeygenPolicy = "under_lock"
	// KeygenBeforeLock generates before taking the lock, keeping the lock
	// hold time short at the cost of wasted work for losers.
	KeygenBeforeLock KeygenPolicy = "before_lock"
)

// Notifier requests a signing daemon reload. Notify must not block.
type Notifier interface {
	Notify()
}

type nopNotifier struct{}

func (nopNotifier) Notify() {}

// Options wires a Coordinator.
type Options struct {
	Repo     Repository
	Signing  *signing.Manager
	Maildirs *maildir.Manager
	Hasher   password.Hasher
	Escrow   signing.Escrow
	Reload   Notifier

	KeyBits          int
	KeygenPolicy     KeygenPolicy
	OperationTimeout time.Duration
	DNS              DNSConfig
}

// Coordinator runs provisioning operations. It is safe for concurrent use.
type Coordinator struct {
	repo     Repository
	signing  *signing.Manager
	keys     *signing.KeyStore
	maildirs *maildir.Manager
	hasher   password.Hasher
	escrow   signing.Escrow
	reload   Notifier

	keyBits int
	keygen  KeygenPolicy
	timeout time.Duration
	dns     DNSConfig
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		repo:     opts.Repo,
		signing:  opts.Signing,
		keys:     opts.Signing.Keys(),
		maildirs: opts.Maildirs,
		hasher:   opts.Hasher,
		escrow:   opts.Escrow,
		reload:   opts.Reload,
		keyBits:  opts.KeyBits,
		keygen:   opts.KeygenPolicy,
		timeout:  opts.OperationTimeout,
		dns:      opts.DNS,
	}
	if c.escrow == nil {
		c.escrow = signing.NopEscrow{}
	}
	if c.reload == nil {
		c.reload = nopNotifier{}
	}
	if c.hasher == nil {
		c.hasher = password.NewBcrypt(0)
	}
	if c.keygen == "" {
		c.keygen = KeygenUnderLock
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	return c
}

// run applies the operation timeout, classifies the error and records the
// outcome.
func (c *Coordinator) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	var out error
	if err != nil {
		out = classify(op, err)
	}
	metrics.ObserveOperation(op, kindLabel(out), time.Since(start))
	if out != nil {
		logger.Warn("provisioning operation failed", "op", op, "kind", kindLabel(out), "error", out)
		return out
	}
	return nil
}

// detached returns a context that survives cancellation of the request but
// is still bounded by the operation timeout.
func (c *Coordinator) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
}

func (c *Coordinator) generateKey() (*signing.KeyPair, error) {
	kp, err := signing.GenerateKeyPair(c.keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return kp, nil
}

func event(t domain.EventType, subject string, payload map[string]interface{}) *domain.Event {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	return &domain.Event{Type: t, Subject: subject, Payload: string(data)}
}

// cleanupFailed records a post-commit step that Reconcile must finish.
func cleanupFailed(op, step, subject string, err error) {
	metrics.CleanupFailure(op, step)
	logger.Error("post-commit cleanup failed; run reconcile",
		"op", op, "step", step, "subject", subject, "error", err)
}
