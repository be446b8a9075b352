package signing

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ignite/mailrice/internal/metrics"
	"github.com/ignite/mailrice/internal/pkg/distlock"
	"github.com/ignite/mailrice/internal/pkg/logger"
)

// ErrEntryNotFound is returned when no KeyTable entry matches a lookup.
var ErrEntryNotFound = errors.New("signing: entry not found")

// DefaultLockKey names the lock guarding both tables.
const DefaultLockKey = "signing-tables"

// Config configures a Manager.
type Config struct {
	KeyTable     string
	SigningTable string
	Keys         *KeyStore
	Locks        distlock.Factory
	Retry        distlock.RetryPolicy
	LockKey      string
}

// Manager owns the KeyTable and SigningTable. Every mutation runs under the
// shared lock and changes both files as a pair.
type Manager struct {
	keyTable     string
	signingTable string
	keys         *KeyStore
	locks        distlock.Factory
	retry        distlock.RetryPolicy
	lockKey      string
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.LockKey == "" {
		cfg.LockKey = DefaultLockKey
	}
	return &Manager{
		keyTable:     cfg.KeyTable,
		signingTable: cfg.SigningTable,
		keys:         cfg.Keys,
		locks:        cfg.Locks,
		retry:        cfg.Retry,
		lockKey:      cfg.LockKey,
	}
}

// Keys returns the private key store.
func (m *Manager) Keys() *KeyStore { return m.keys }

func (m *Manager) withLock(ctx context.Context, fn func() error) error {
	onRetry := func(int) { metrics.LockRetry(m.lockKey) }
	return distlock.WithLock(ctx, m.locks(m.lockKey), m.retry, onRetry, fn)
}

// AppendPair registers e in both tables. Appending a pair that is already
// present is a no-op. If the SigningTable write fails the KeyTable line added
// by this call is removed again.
func (m *Manager) AppendPair(ctx context.Context, e Entry) error {
	return m.withLock(ctx, func() error {
		ktLine := e.KeyTableLine()
		added, err := appendLine(m.keyTable, ktLine)
		if err != nil {
			return fmt.Errorf("append key table: %w", err)
		}
		if _, err := appendLine(m.signingTable, e.SigningTableLine()); err != nil {
			if added {
				if _, _, uerr := rewrite(m.keyTable, dropLine(ktLine)); uerr != nil {
					logger.Error("signing: undo key table append failed", "domain", e.Domain, "error", uerr)
				}
			}
			return fmt.Errorf("append signing table: %w", err)
		}
		return nil
	})
}

// RemovePair drops every entry of domainName from both tables. Removing an
// absent domain is a no-op.
func (m *Manager) RemovePair(ctx context.Context, domainName string) error {
	return m.withLock(ctx, func() error {
		orig, changed, err := rewrite(m.keyTable, dropKeyTableDomain(domainName))
		if err != nil {
			return fmt.Errorf("remove from key table: %w", err)
		}
		if _, _, err := rewrite(m.signingTable, dropSigningDomain(domainName)); err != nil {
			m.undo(changed, orig, domainName)
			return fmt.Errorf("remove from signing table: %w", err)
		}
		return nil
	})
}

// ReplacePair makes next the only entry of its domain in both tables,
// replacing old in place. Both entries must name the same domain.
func (m *Manager) ReplacePair(ctx context.Context, old, next Entry) error {
	if old.Domain != next.Domain {
		return fmt.Errorf("replace pair: domain mismatch %s != %s", old.Domain, next.Domain)
	}
	return m.withLock(ctx, func() error {
		orig, changed, err := rewrite(m.keyTable, replaceKeyTableDomain(next))
		if err != nil {
			return fmt.Errorf("replace in key table: %w", err)
		}
		if _, _, err := rewrite(m.signingTable, replaceSigningDomain(next)); err != nil {
			m.undo(changed, orig, next.Domain)
			return fmt.Errorf("replace in signing table: %w", err)
		}
		return nil
	})
}

func (m *Manager) undo(changed bool, orig []byte, domainName string) {
	if !changed {
		return
	}
	if err := restore(m.keyTable, orig); err != nil {
		logger.Error("signing: undo key table rewrite failed", "domain", domainName, "error", err)
	}
}

// Entries returns the parsed KeyTable entries in file order.
func (m *Manager) Entries() ([]Entry, error) {
	lines, err := readLines(m.keyTable)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, l := range lines {
		if e, ok := parseKeyTableLine(l); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// SigningEntries maps each SigningTable domain to the key names it lists.
func (m *Manager) SigningEntries() (map[string][]string, error) {
	lines, err := readLines(m.signingTable)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, l := range lines {
		if d, k, ok := parseSigningTableLine(l); ok {
			out[d] = append(out[d], k)
		}
	}
	return out, nil
}

// Domains returns every domain named in either table, sorted.
func (m *Manager) Domains() ([]string, error) {
	entries, err := m.Entries()
	if err != nil {
		return nil, err
	}
	signing, err := m.SigningEntries()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, e := range entries {
		seen[e.Domain] = true
	}
	for d := range signing {
		seen[d] = true
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}

// HasExactPair reports whether e is the one and only entry of its domain in
// both tables.
func (m *Manager) HasExactPair(e Entry) (bool, error) {
	entries, err := m.Entries()
	if err != nil {
		return false, err
	}
	var kt []Entry
	for _, x := range entries {
		if x.Domain == e.Domain {
			kt = append(kt, x)
		}
	}
	if len(kt) != 1 || kt[0] != e {
		return false, nil
	}
	signing, err := m.SigningEntries()
	if err != nil {
		return false, err
	}
	names := signing[e.Domain]
	return len(names) == 1 && names[0] == e.KeyName(), nil
}

// LookupPublicKey loads the key file behind the KeyTable entry for
// (domainName, selector) and returns its base64 public key.
func (m *Manager) LookupPublicKey(domainName, selector string) (string, error) {
	entries, err := m.Entries()
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Domain != domainName || e.Selector != selector {
			continue
		}
		pemBytes, err := readKeyFile(e.KeyPath)
		if err != nil {
			return "", err
		}
		return PublicKeyFromPEM(pemBytes)
	}
	return "", fmt.Errorf("%s: %w", domainName, ErrEntryNotFound)
}

func dropLine(line string) func([]string) []string {
	return func(lines []string) []string {
		out := lines[:0:0]
		for _, l := range lines {
			if l != line {
				out = append(out, l)
			}
		}
		return out
	}
}

func dropKeyTableDomain(domainName string) func([]string) []string {
	return func(lines []string) []string {
		out := lines[:0:0]
		for _, l := range lines {
			if e, ok := parseKeyTableLine(l); ok && e.Domain == domainName {
				continue
			}
			out = append(out, l)
		}
		return out
	}
}

func dropSigningDomain(domainName string) func([]string) []string {
	return func(lines []string) []string {
		out := lines[:0:0]
		for _, l := range lines {
			if d, _, ok := parseSigningTableLine(l); ok && d == domainName {
				continue
			}
			out = append(out, l)
		}
		return out
	}
}

// replaceKeyTableDomain puts next where the first entry of its domain was and
// drops any further entries of that domain.
func replaceKeyTableDomain(next Entry) func([]string) []string {
	return replaceMatching(next.KeyTableLine(), func(l string) bool {
		e, ok := parseKeyTableLine(l)
		return ok && e.Domain == next.Domain
	})
}

func replaceSigningDomain(next Entry) func([]string) []string {
	return replaceMatching(next.SigningTableLine(), func(l string) bool {
		d, _, ok := parseSigningTableLine(l)
		return ok && d == next.Domain
	})
}

func replaceMatching(line string, match func(string) bool) func([]string) []string {
	return func(lines []string) []string {
		out := lines[:0:0]
		placed := false
		for _, l := range lines {
			if !match(l) {
				out = append(out, l)
				continue
			}
			if !placed {
				out = append(out, line)
				placed = true
			}
		}
		if !placed {
			out = append(out, line)
		}
		return out
	}
}
