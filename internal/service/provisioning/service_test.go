package provisioning

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailrice/internal/signing"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ""
	}
	require.NoError(t, err)
	return string(data)
}

func (e *testEnv) keyTable(t *testing.T) string {
	return readFile(t, filepath.Join(e.dir, "KeyTable"))
}

func (e *testEnv) signingTable(t *testing.T) string {
	return readFile(t, filepath.Join(e.dir, "SigningTable"))
}

func TestScenario_TestComJohn(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	d, err := env.c.CreateDomain(ctx, "Test.COM", "mail")
	require.NoError(t, err)
	assert.Equal(t, "test.com", d.Name)
	assert.NotEmpty(t, d.PublicKey)

	keyPath := filepath.Join(env.dir, "keys", "test.com", "mail.private")
	assert.Equal(t, keyPath, d.PrivateKeyRef)
	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	assert.Equal(t, "mail._domainkey.test.com test.com:mail:"+keyPath+"\n", env.keyTable(t))
	assert.Equal(t, "*@test.com mail._domainkey.test.com\n", env.signingTable(t))

	pub, err := env.signing.LookupPublicKey("test.com", "mail")
	require.NoError(t, err)
	assert.Equal(t, d.PublicKey, pub, "stored public key must match the key behind the KeyTable entry")

	m, err := env.c.CreateMailbox(ctx, MailboxRequest{Domain: "test.com", LocalPart: "john", Password: "Secret123!", QuotaMB: 1024})
	require.NoError(t, err)
	assert.Equal(t, "john@test.com", m.Address("test.com"))
	assert.True(t, strings.HasPrefix(m.PasswordHash, "{BLF-CRYPT}"))
	for _, sub := range []string{"cur", "new", "tmp"} {
		assert.DirExists(t, filepath.Join(env.dir, "mail", "test.com", "john", sub))
	}

	err = env.c.DeleteDomain(ctx, "test.com")
	require.ErrorIs(t, err, ErrConflict)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.MailboxCount)

	require.NoError(t, env.c.DeleteMailbox(ctx, "test.com", "john"))
	assert.NoDirExists(t, filepath.Join(env.dir, "mail", "test.com", "john"))

	require.NoError(t, env.c.DeleteDomain(ctx, "test.com"))
	assert.Empty(t, env.keyTable(t))
	assert.Empty(t, env.signingTable(t))
	assert.NoDirExists(t, filepath.Join(env.dir, "keys", "test.com"))

	_, err = env.c.GetDomain(ctx, "test.com")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.GreaterOrEqual(t, env.reloads.n.Load(), int32(2))

	events, err := env.store.ListEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "domain.deleted", string(events[0].Type))
	assert.Equal(t, "domain.created", string(events[3].Type))
}

func TestCreateDomain_ConcurrentSameName(t *testing.T) {
	for _, policy := range []KeygenPolicy{KeygenUnderLock, KeygenBeforeLock} {
		t.Run(string(policy), func(t *testing.T) {
			env := setupTestEnv(t, func(o *Options) { o.KeygenPolicy = policy })
			ctx := context.Background()

			const k = 8
			var wg sync.WaitGroup
			errs := make([]error, k)
			for i := 0; i < k; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = env.c.CreateDomain(ctx, "race.com", fmt.Sprintf("s%d", i))
				}(i)
			}
			wg.Wait()

			var ok, conflicts int
			for _, err := range errs {
				switch {
				case err == nil:
					ok++
				case errors.Is(err, ErrConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}
			assert.Equal(t, 1, ok)
			assert.Equal(t, k-1, conflicts)

			d, err := env.c.GetDomain(ctx, "race.com")
			require.NoError(t, err)
			entries, err := env.signing.Entries()
			require.NoError(t, err)
			require.Len(t, entries, 1)
			exact, err := env.signing.HasExactPair(entries[0])
			require.NoError(t, err)
			assert.True(t, exact)
			assert.Equal(t, d.Selector, entries[0].Selector)
		})
	}
}

func TestCreateDomain_Validation(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name, domain, selector, field string
	}{
		{"reserved", "localhost", "mail", "name"},
		{"reserved suffix", "mail.internal", "mail", "name"},
		{"single label", "example", "mail", "name"},
		{"numeric tld", "example.123", "mail", "name"},
		{"leading hyphen", "-bad.com", "mail", "name"},
		{"underscore", "bad_name.com", "mail", "name"},
		{"too long", strings.Repeat("a", 250) + ".com", "mail", "name"},
		{"bad selector", "ok.com", "-mail", "selector"},
		{"long selector", "ok.com", strings.Repeat("s", 64), "selector"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.c.CreateDomain(ctx, tc.domain, tc.selector)
			require.ErrorIs(t, err, ErrValidation)
			var pe *Error
			require.ErrorAs(t, err, &pe)
			require.NotEmpty(t, pe.Fields)
			assert.Equal(t, tc.field, pe.Fields[0].Field)
		})
	}
	assert.Empty(t, env.keyTable(t), "validation failures must not touch the tables")
	assert.NoDirExists(t, filepath.Join(env.dir, "keys"))
}

func TestCreateDomain_CommitFailureCompensates(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	faulty := env.coordinator(failingCommitRepo{StoreRepository(env.store)})

	_, err := faulty.CreateDomain(ctx, "broken.com", "mail")
	require.ErrorIs(t, err, ErrFatalStorage)
	assert.ErrorIs(t, err, errInjected)

	assert.Empty(t, env.keyTable(t))
	assert.Empty(t, env.signingTable(t))
	assert.NoFileExists(t, filepath.Join(env.dir, "keys", "broken.com", "mail.private"))
	_, err = env.c.GetDomain(ctx, "broken.com")
	assert.ErrorIs(t, err, ErrNotFound)

	// The name is usable again.
	_, err = env.c.CreateDomain(ctx, "broken.com", "mail")
	require.NoError(t, err)
}

func TestCreateDomain_ReplacesLeftoverEntries(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	stale := signing.Entry{Domain: "left.com", Selector: "old", KeyPath: "/gone/left.com/old.private"}
	require.NoError(t, env.signing.AppendPair(ctx, stale))

	d, err := env.c.CreateDomain(ctx, "left.com", "mail")
	require.NoError(t, err)

	entries, err := env.signing.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, signing.Entry{Domain: "left.com", Selector: "mail", KeyPath: d.PrivateKeyRef}, entries[0])
	assert.NotContains(t, env.signingTable(t), "old._domainkey")
}

func TestCreateMailbox_Errors(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	_, err := env.c.CreateDomain(ctx, "box.com", "mail")
	require.NoError(t, err)

	_, err = env.c.CreateMailbox(ctx, MailboxRequest{Domain: "nope.com", LocalPart: "john", Password: "Secret123!", QuotaMB: 10})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoDirExists(t, filepath.Join(env.dir, "mail", "nope.com"))

	_, err = env.c.CreateMailbox(ctx, MailboxRequest{Domain: "box.com", LocalPart: "john", Password: "Secret123!", QuotaMB: 10})
	require.NoError(t, err)
	_, err = env.c.CreateMailbox(ctx, MailboxRequest{Domain: "box.com", LocalPart: "JOHN", Password: "Secret123!", QuotaMB: 10})
	assert.ErrorIs(t, err, ErrConflict)

	invalid := []MailboxRequest{
		{Domain: "box.com", LocalPart: "root", Password: "Secret123!", QuotaMB: 10},
		{Domain: "box.com", LocalPart: "a..b", Password: "Secret123!", QuotaMB: 10},
		{Domain: "box.com", LocalPart: "jane", Password: "short", QuotaMB: 10},
		{Domain: "box.com", LocalPart: "jane", Password: "alllowercase", QuotaMB: 10},
		{Domain: "box.com", LocalPart: "jane", Password: "Secret123!", QuotaMB: 0},
		{Domain: "box.com", LocalPart: "jane", Password: "Secret123!", QuotaMB: 100001},
	}
	for _, req := range invalid {
		_, err := env.c.CreateMailbox(ctx, req)
		assert.ErrorIs(t, err, ErrValidation, "%+v", req)
	}
	assert.NoDirExists(t, filepath.Join(env.dir, "mail", "box.com", "jane"))
}

func TestCreateMailbox_RetryAfterCrash(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	_, err := env.c.CreateDomain(ctx, "crash.com", "mail")
	require.NoError(t, err)

	// A tree left behind by an attempt that died before commit.
	_, err = env.maildirs.Create("crash.com", "john")
	require.NoError(t, err)
	leftover := filepath.Join(env.dir, "mail", "crash.com", "john", "new", "1.msg")
	require.NoError(t, os.WriteFile(leftover, []byte("hi"), 0o600))

	faulty := env.coordinator(failingCommitRepo{StoreRepository(env.store)})
	_, err = faulty.CreateMailbox(ctx, MailboxRequest{Domain: "crash.com", LocalPart: "john", Password: "Secret123!", QuotaMB: 10})
	require.ErrorIs(t, err, ErrFatalStorage)
	assert.FileExists(t, leftover, "compensation must not remove a tree it did not create")

	_, err = env.c.CreateMailbox(ctx, MailboxRequest{Domain: "crash.com", LocalPart: "john", Password: "Secret123!", QuotaMB: 10})
	require.NoError(t, err)
	assert.FileExists(t, leftover)

	boxes, err := env.c.ListMailboxes(ctx, "crash.com")
	require.NoError(t, err)
	assert.Len(t, boxes, 1)
	locals, err := env.maildirs.Mailboxes("crash.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"john"}, locals)
}

func TestCreateMailbox_CommitFailureRemovesNewTree(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	_, err := env.c.CreateDomain(ctx, "fresh.com", "mail")
	require.NoError(t, err)

	faulty := env.coordinator(failingCommitRepo{StoreRepository(env.store)})
	_, err = faulty.CreateMailbox(ctx, MailboxRequest{Domain: "fresh.com", LocalPart: "john", Password: "Secret123!", QuotaMB: 10})
	require.ErrorIs(t, err, ErrFatalStorage)
	assert.False(t, env.maildirs.Exists("fresh.com", "john"))
}

func TestCreateMailboxVsDeleteDomain(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("race%d.com", i)
		_, err := env.c.CreateDomain(ctx, name, "mail")
		require.NoError(t, err)

		var wg sync.WaitGroup
		var createErr, deleteErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, createErr = env.c.CreateMailbox(ctx, MailboxRequest{Domain: name, LocalPart: "john", Password: "Secret123!", QuotaMB: 10})
		}()
		go func() {
			defer wg.Done()
			deleteErr = env.c.DeleteDomain(ctx, name)
		}()
		wg.Wait()

		if createErr == nil {
			require.ErrorIs(t, deleteErr, ErrConflict, name)
			_, err := env.c.GetDomain(ctx, name)
			require.NoError(t, err)
			assert.True(t, env.maildirs.Exists(name, "john"))
			ok, err := env.signing.HasExactPair(signing.Entry{Domain: name, Selector: "mail", KeyPath: filepath.Join(env.dir, "keys", name, "mail.private")})
			require.NoError(t, err)
			assert.True(t, ok)
		} else {
			require.NoError(t, deleteErr, name)
			require.ErrorIs(t, createErr, ErrNotFound, name)
			assert.False(t, env.maildirs.Exists(name, "john"))
			_, err := env.c.GetDomain(ctx, name)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.NotContains(t, env.keyTable(t), name+":")
		}
	}
}

func TestDeleteDomain_NotFound(t *testing.T) {
	env := setupTestEnv(t)
	err := env.c.DeleteDomain(context.Background(), "missing.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteMailbox(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	_, err := env.c.CreateDomain(ctx, "del.com", "mail")
	require.NoError(t, err)
	_, err = env.c.CreateMailbox(ctx, MailboxRequest{Domain: "del.com", LocalPart: "john", Password: "Secret123!", QuotaMB: 10})
	require.NoError(t, err)

	assert.ErrorIs(t, env.c.DeleteMailbox(ctx, "del.com", "jane"), ErrNotFound)
	assert.ErrorIs(t, env.c.DeleteMailbox(ctx, "other.com", "john"), ErrNotFound)

	faulty := env.coordinator(failingCommitRepo{StoreRepository(env.store)})
	require.ErrorIs(t, faulty.DeleteMailbox(ctx, "del.com", "john"), ErrFatalStorage)
	assert.True(t, env.maildirs.Exists("del.com", "john"), "failed delete must restore the staged tree")

	require.NoError(t, env.c.DeleteMailbox(ctx, "del.com", "john"))
	assert.False(t, env.maildirs.Exists("del.com", "john"))
	entries, err := os.ReadDir(filepath.Join(env.dir, "mail", "del.com"))
	require.NoError(t, err)
	assert.Empty(t, entries, "staged tree must be purged")
}

func TestUpdateMailboxPassword(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	_, err := env.c.CreateDomain(ctx, "pw.com", "mail")
	require.NoError(t, err)
	_, err = env.c.CreateMailbox(ctx, MailboxRequest{Domain: "pw.com", LocalPart: "john", Password: "Secret123!", QuotaMB: 10})
	require.NoError(t, err)

	require.NoError(t, env.c.UpdateMailboxPassword(ctx, "pw.com", "john", "Another456?"))
	boxes, err := env.c.ListMailboxes(ctx, "pw.com")
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.NoError(t, env.c.hasher.Verify(boxes[0].PasswordHash, "Another456?"))
	assert.Error(t, env.c.hasher.Verify(boxes[0].PasswordHash, "Secret123!"))

	assert.ErrorIs(t, env.c.UpdateMailboxPassword(ctx, "pw.com", "john", "weak"), ErrValidation)
	assert.ErrorIs(t, env.c.UpdateMailboxPassword(ctx, "pw.com", "jane", "Another456?"), ErrNotFound)
}

func TestRotateSigningKey(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	before, err := env.c.CreateDomain(ctx, "rot.com", "mail")
	require.NoError(t, err)

	_, err = env.c.RotateSigningKey(ctx, "rot.com", "mail")
	require.ErrorIs(t, err, ErrValidation)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "selector", pe.Fields[0].Field)

	after, err := env.c.RotateSigningKey(ctx, "rot.com", "mail2")
	require.NoError(t, err)
	assert.Equal(t, "mail2", after.Selector)
	assert.NotEqual(t, before.PublicKey, after.PublicKey)

	ok, err := env.signing.HasExactPair(signing.Entry{Domain: "rot.com", Selector: "mail2", KeyPath: after.PrivateKeyRef})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoFileExists(t, before.PrivateKeyRef)

	pub, err := env.signing.LookupPublicKey("rot.com", "mail2")
	require.NoError(t, err)
	assert.Equal(t, after.PublicKey, pub)

	stored, err := env.c.GetDomain(ctx, "rot.com")
	require.NoError(t, err)
	assert.Equal(t, after.PublicKey, stored.PublicKey)

	_, err = env.c.RotateSigningKey(ctx, "missing.com", "s2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRotateSigningKey_CommitFailureRestoresEntries(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	before, err := env.c.CreateDomain(ctx, "rot.com", "mail")
	require.NoError(t, err)

	faulty := env.coordinator(failingCommitRepo{StoreRepository(env.store)})
	_, err = faulty.RotateSigningKey(ctx, "rot.com", "mail2")
	require.ErrorIs(t, err, ErrFatalStorage)

	ok, err := env.signing.HasExactPair(signing.Entry{Domain: "rot.com", Selector: "mail", KeyPath: before.PrivateKeyRef})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.FileExists(t, before.PrivateKeyRef)
	assert.NoFileExists(t, filepath.Join(env.dir, "keys", "rot.com", "mail2.private"))
}

func TestDNSRecords(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	d, err := env.c.CreateDomain(ctx, "dns.com", "mail")
	require.NoError(t, err)

	records, err := env.c.DNSRecords(ctx, "dns.com")
	require.NoError(t, err)
	require.Len(t, records, 4)

	assert.Equal(t, DNSRecord{Type: "MX", Name: "dns.com", Value: "mail.example.net", Priority: 10, TTL: 300}, records[0])
	assert.Equal(t, "v=spf1 ip4:203.0.113.10 a:mail.example.net ~all", records[1].Value)
	assert.Equal(t, "mail._domainkey.dns.com", records[2].Name)
	assert.Equal(t, "v=DKIM1; k=rsa; p="+d.PublicKey, records[2].Value)
	assert.Equal(t, "_dmarc.dns.com", records[3].Name)
	assert.Contains(t, records[3].Value, "rua=mailto:dmarc@dns.com")

	_, err = env.c.DNSRecords(ctx, "missing.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReconcile(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	_, err := env.c.CreateDomain(ctx, "a.com", "mail")
	require.NoError(t, err)
	_, err = env.c.CreateMailbox(ctx, MailboxRequest{Domain: "a.com", LocalPart: "john", Password: "Secret123!", QuotaMB: 10})
	require.NoError(t, err)

	// Break every substrate.
	require.NoError(t, env.signing.RemovePair(ctx, "a.com"))
	require.NoError(t, env.maildirs.Remove("a.com", "john"))
	_, err = env.maildirs.Create("a.com", "stray")
	require.NoError(t, err)

	kp, err := signing.GenerateKeyPair(testKeyBits)
	require.NoError(t, err)
	ghostPath, err := env.signing.Keys().Write("ghost.com", "s1", kp.PEM)
	require.NoError(t, err)
	require.NoError(t, env.signing.AppendPair(ctx, signing.Entry{Domain: "ghost.com", Selector: "s1", KeyPath: ghostPath}))

	report, err := env.c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.com"}, report.RepairedEntries)
	assert.Equal(t, []string{"ghost.com"}, report.RemovedEntries)
	assert.Equal(t, []string{"ghost.com"}, report.RemovedKeyDirs)
	assert.Equal(t, []string{"john@a.com"}, report.CreatedMaildirs)
	assert.Equal(t, []string{"stray@a.com"}, report.OrphanMaildirs)
	assert.Empty(t, report.Errors)

	assert.True(t, env.maildirs.Exists("a.com", "stray"), "orphans are reported, never deleted")
	assert.True(t, env.maildirs.Exists("a.com", "john"))
	assert.NotContains(t, env.keyTable(t), "ghost.com")
	assert.NoDirExists(t, filepath.Join(env.dir, "keys", "ghost.com"))

	again, err := env.c.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, again.Changed())
}

func TestReconcile_MissingKeyReported(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	d, err := env.c.CreateDomain(ctx, "lost.com", "mail")
	require.NoError(t, err)
	require.NoError(t, env.signing.RemovePair(ctx, "lost.com"))
	require.NoError(t, os.Remove(d.PrivateKeyRef))

	report, err := env.c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.RepairedEntries)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "lost.com")
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		kind error
	}{
		{context.DeadlineExceeded, ErrTransientLock},
		{fmt.Errorf("x: %w", errInjected), ErrFatalStorage},
		{conflict("op", "taken"), ErrConflict},
	}
	for _, tc := range cases {
		assert.ErrorIs(t, classify("op", tc.err), tc.kind)
	}
	assert.Equal(t, "ok", kindLabel(nil))
	assert.Equal(t, "conflict", kindLabel(conflict("op", "x")))
}
