package provisioning

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ignite/mailrice/internal/domain"
	"github.com/ignite/mailrice/internal/maildir"
	"github.com/ignite/mailrice/internal/password"
	"github.com/ignite/mailrice/internal/pkg/distlock"
	"github.com/ignite/mailrice/internal/signing"
	"github.com/ignite/mailrice/internal/store"
)

const testKeyBits = 1024

// testEnv is a coordinator on a temp-dir SQLite store, key store and mail store.
type testEnv struct {
	store    *store.Store
	signing  *signing.Manager
	maildirs *maildir.Manager
	reloads  *countingNotifier
	dir      string
	c        *Coordinator
}

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Notify() { c.n.Add(1) }

func setupTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	s, err := store.Open(context.Background(), store.Options{
		Driver:      "sqlite",
		URL:         filepath.Join(dir, "mailrice.db"),
		LockTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate())

	locks, err := distlock.NewFactory(distlock.Options{Backend: distlock.BackendLocal, LockDir: dir})
	require.NoError(t, err)

	env := &testEnv{
		store: s,
		signing: signing.NewManager(signing.Config{
			KeyTable:     filepath.Join(dir, "KeyTable"),
			SigningTable: filepath.Join(dir, "SigningTable"),
			Keys:         signing.NewKeyStore(filepath.Join(dir, "keys")),
			Locks:        locks,
			Retry:        distlock.RetryPolicy{MaxAttempts: 500, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
			LockKey:      t.Name(),
		}),
		maildirs: maildir.New(filepath.Join(dir, "mail"), -1, -1),
		reloads:  &countingNotifier{},
		dir:      dir,
	}
	env.c = env.coordinator(StoreRepository(s), mutate...)
	return env
}

// coordinator builds another Coordinator over the same substrates.
func (e *testEnv) coordinator(repo Repository, mutate ...func(*Options)) *Coordinator {
	opts := Options{
		Repo:     repo,
		Signing:  e.signing,
		Maildirs: e.maildirs,
		Hasher:   password.NewBcrypt(bcrypt.MinCost),
		Reload:   e.reloads,
		KeyBits:  testKeyBits,
		DNS:      DNSConfig{MailHostname: "mail.example.net", ServerIP: "203.0.113.10"},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	return New(opts)
}

var errInjected = errors.New("injected commit failure")

// failingCommitRepo hands out transactions whose Commit always fails after
// rolling back.
type failingCommitRepo struct {
	Repository
}

func (r failingCommitRepo) Begin(ctx context.Context) (Tx, error) {
	tx, err := r.Repository.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &failingCommitTx{Tx: tx}, nil
}

type failingCommitTx struct {
	Tx
}

func (t *failingCommitTx) Commit() error {
	_ = t.Tx.Rollback()
	return errInjected
}

var errEventWrite = errors.New("injected event write failure")

// hookRepo hands out transactions that fail at InsertEvent or Commit and
// run afterRollback once, right after the underlying rollback released the
// row locks.
type hookRepo struct {
	Repository
	failEvent     bool
	failCommit    bool
	cancel        context.CancelFunc
	afterRollback func()
}

func (r *hookRepo) Begin(ctx context.Context) (Tx, error) {
	tx, err := r.Repository.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &hookTx{Tx: tx, repo: r}, nil
}

type hookTx struct {
	Tx
	repo *hookRepo
}

func (t *hookTx) InsertEvent(ctx context.Context, e *domain.Event) error {
	if t.repo.cancel != nil {
		t.repo.cancel()
		return context.Canceled
	}
	if t.repo.failEvent {
		return errEventWrite
	}
	return t.Tx.InsertEvent(ctx, e)
}

func (t *hookTx) Commit() error {
	if !t.repo.failCommit {
		return t.Tx.Commit()
	}
	err := t.Rollback()
	if err == nil {
		err = errInjected
	}
	return err
}

func (t *hookTx) Rollback() error {
	err := t.Tx.Rollback()
	if fn := t.repo.afterRollback; fn != nil {
		t.repo.afterRollback = nil
		fn()
	}
	return err
}
