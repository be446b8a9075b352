package signing

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/ignite/mailrice/internal/domain"
)

// Entry is one signing registration: the KeyTable line plus the matching
// SigningTable line for a domain.
type Entry struct {
	Domain   string
	Selector string
	KeyPath  string
}

// KeyName is "<selector>._domainkey.<domain>".
func (e Entry) KeyName() string { return domain.KeyName(e.Selector, e.Domain) }

// KeyTableLine renders "<keyname> <domain>:<selector>:<keypath>".
func (e Entry) KeyTableLine() string {
	return fmt.Sprintf("%s %s:%s:%s", e.KeyName(), e.Domain, e.Selector, e.KeyPath)
}

// SigningTableLine renders "*@<domain> <keyname>".
func (e Entry) SigningTableLine() string {
	return fmt.Sprintf("*@%s %s", e.Domain, e.KeyName())
}

// parseKeyTableLine returns ok=false for blank, comment and malformed lines.
func parseKeyTableLine(line string) (Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 || strings.HasPrefix(fields[0], "#") {
		return Entry{}, false
	}
	parts := strings.SplitN(fields[1], ":", 3)
	if len(parts) != 3 {
		return Entry{}, false
	}
	e := Entry{Domain: parts[0], Selector: parts[1], KeyPath: parts[2]}
	if fields[0] != e.KeyName() {
		return Entry{}, false
	}
	return e, true
}

// parseSigningTableLine returns the domain and key name of a SigningTable line.
func parseSigningTableLine(line string) (domainName, keyName string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 || !strings.HasPrefix(fields[0], "*@") {
		return "", "", false
	}
	return strings.TrimPrefix(fields[0], "*@"), fields[1], true
}

// readLines returns the file's lines. A missing file reads as empty.
func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return lines, nil
}

// appendLine adds line to path with a single O_APPEND write followed by
// fsync. It reports added=false when an identical line is already present.
func appendLine(path, line string) (added bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	for _, l := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(l) == line {
			return false, nil
		}
	}

	buf := line + "\n"
	if len(data) > 0 && data[len(data)-1] != '\n' {
		buf = "\n" + buf
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.WriteString(buf); err != nil {
		f.Close()
		return false, fmt.Errorf("append %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return false, fmt.Errorf("sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close %s: %w", path, err)
	}
	return true, nil
}

// rewrite passes the lines of path through edit and, if anything changed,
// replaces the file atomically. It returns the original content so a caller
// can restore it, and whether the file was changed.
func rewrite(path string, edit func(lines []string) []string) (orig []byte, changed bool, err error) {
	orig, err = os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	lines, err := readLines(path)
	if err != nil {
		return nil, false, err
	}
	out := edit(lines)

	var b bytes.Buffer
	for _, l := range out {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if bytes.Equal(b.Bytes(), orig) {
		return orig, false, nil
	}
	if err := atomic.WriteFile(path, &b); err != nil {
		return nil, false, fmt.Errorf("rewrite %s: %w", path, err)
	}
	return orig, true, nil
}

// restore puts back content captured by rewrite.
func restore(path string, content []byte) error {
	if err := atomic.WriteFile(path, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}
	return nil
}
