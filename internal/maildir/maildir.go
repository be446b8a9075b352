// Package maildir creates and removes mailbox directory trees under the mail
// store base path.
package maildir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var subdirs = []string{"cur", "new", "tmp"}

// trashPrefix marks trees renamed aside by Stage.
const trashPrefix = ".trash-"

// Manager lays mailboxes out as <base>/<domain>/<local>/{cur,new,tmp}.
type Manager struct {
	base string
	uid  int
	gid  int
}

// New returns a Manager. A negative uid or gid leaves ownership unchanged.
func New(base string, uid, gid int) *Manager {
	return &Manager{base: base, uid: uid, gid: gid}
}

// Path returns the mailbox directory.
func (m *Manager) Path(domainName, localPart string) string {
	return filepath.Join(m.base, domainName, localPart)
}

// Exists reports whether the mailbox directory is present.
func (m *Manager) Exists(domainName, localPart string) bool {
	info, err := os.Stat(m.Path(domainName, localPart))
	return err == nil && info.IsDir()
}

// Create makes the mailbox tree with 0700 permissions. It is idempotent;
// created reports whether the mailbox directory itself was made by this call.
func (m *Manager) Create(domainName, localPart string) (created bool, err error) {
	if err := checkName(domainName); err != nil {
		return false, err
	}
	if err := checkName(localPart); err != nil {
		return false, err
	}

	if err := os.MkdirAll(m.base, 0o755); err != nil {
		return false, fmt.Errorf("create maildir base: %w", err)
	}
	domainDir := filepath.Join(m.base, domainName)
	if err := m.mkdir(domainDir); err != nil && !errors.Is(err, os.ErrExist) {
		return false, err
	}

	root := m.Path(domainName, localPart)
	err = m.mkdir(root)
	switch {
	case err == nil:
		created = true
	case errors.Is(err, os.ErrExist):
	default:
		return false, err
	}

	for _, sub := range subdirs {
		if err := m.mkdir(filepath.Join(root, sub)); err != nil && !errors.Is(err, os.ErrExist) {
			return created, err
		}
	}
	return created, nil
}

func (m *Manager) mkdir(path string) error {
	if err := os.Mkdir(path, 0o700); err != nil {
		if errors.Is(err, os.ErrExist) {
			return err
		}
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	if m.uid >= 0 || m.gid >= 0 {
		if err := os.Chown(path, m.uid, m.gid); err != nil {
			return fmt.Errorf("chown %s: %w", path, err)
		}
	}
	return nil
}

// Remove deletes the mailbox tree. A missing tree is not an error.
func (m *Manager) Remove(domainName, localPart string) error {
	if err := checkName(domainName); err != nil {
		return err
	}
	if err := checkName(localPart); err != nil {
		return err
	}
	if err := os.RemoveAll(m.Path(domainName, localPart)); err != nil {
		return fmt.Errorf("remove maildir: %w", err)
	}
	return nil
}

// Staged is a mailbox tree renamed aside pending commit of its deletion.
type Staged struct {
	from string
	to   string
}

// Stage renames the mailbox tree to <base>/<domain>/.trash-<local>-<id>.
// A missing tree stages as a no-op.
func (m *Manager) Stage(domainName, localPart string, id int64) (*Staged, error) {
	if err := checkName(domainName); err != nil {
		return nil, err
	}
	if err := checkName(localPart); err != nil {
		return nil, err
	}
	s := &Staged{
		from: m.Path(domainName, localPart),
		to:   filepath.Join(m.base, domainName, fmt.Sprintf("%s%s-%d", trashPrefix, localPart, id)),
	}
	if err := os.Rename(s.from, s.to); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Staged{}, nil
		}
		return nil, fmt.Errorf("stage maildir: %w", err)
	}
	return s, nil
}

// Restore moves a staged tree back into place.
func (s *Staged) Restore() error {
	if s.from == "" {
		return nil
	}
	if err := os.Rename(s.to, s.from); err != nil {
		return fmt.Errorf("restore maildir: %w", err)
	}
	return nil
}

// Purge deletes a staged tree.
func (s *Staged) Purge() error {
	if s.to == "" {
		return nil
	}
	if err := os.RemoveAll(s.to); err != nil {
		return fmt.Errorf("purge maildir: %w", err)
	}
	return nil
}

// Mailboxes lists the mailbox directories present for a domain, skipping
// staged trees.
func (m *Manager) Mailboxes(domainName string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.base, domainName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read domain dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), trashPrefix) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// Domains lists the domain directories under the base path.
func (m *Manager) Domains() ([]string, error) {
	entries, err := os.ReadDir(m.base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read maildir base: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// checkName rejects path components that could escape the base directory.
func checkName(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) || strings.HasPrefix(s, trashPrefix) {
		return fmt.Errorf("invalid maildir path component %q", s)
	}
	return nil
}
