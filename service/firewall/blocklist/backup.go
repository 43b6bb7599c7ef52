package blocklist

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/shlex"
)

// BackupTables are the tables covered by backups.
var BackupTables = []string{"filter", "mangle"}

const (
	backupPrefix = "iptables-"
	backupSuffix = ".rules"
)

// ErrNoBackup is returned when a backup directory holds no backup.
var ErrNoBackup = errors.New("no iptables backup found")

// saveRules renders the rules of the given tables in the iptables-save
// format, so that backups can also be restored with iptables-restore.
func saveRules(tbl table, tables []string) ([]byte, error) {
	var buf bytes.Buffer
	for _, name := range tables {
		chains, err := tbl.ListChains(name)
		if err != nil {
			return nil, fmt.Errorf("failed to list chains of %s: %w", name, err)
		}

		var decls, rules []string
		for _, chain := range chains {
			lines, err := tbl.List(name, chain)
			if err != nil {
				return nil, fmt.Errorf("failed to list %s %s: %w", name, chain, err)
			}
			for _, line := range lines {
				fields := strings.Fields(line)
				switch {
				case len(fields) == 3 && fields[0] == "-P":
					decls = append(decls, fmt.Sprintf(":%s %s [0:0]", fields[1], fields[2]))
				case len(fields) == 2 && fields[0] == "-N":
					decls = append(decls, fmt.Sprintf(":%s - [0:0]", fields[1]))
				case strings.HasPrefix(line, "-A "):
					rules = append(rules, line)
				}
			}
		}

		fmt.Fprintf(&buf, "*%s\n", name)
		for _, line := range decls {
			buf.WriteString(line + "\n")
		}
		for _, line := range rules {
			buf.WriteString(line + "\n")
		}
		buf.WriteString("COMMIT\n")
	}
	return buf.Bytes(), nil
}

type savedChain struct {
	name string
	// policy is "-" for user defined chains.
	policy string
}

type savedTable struct {
	name   string
	chains []savedChain
	rules  []string
}

func parseRules(data []byte) ([]savedTable, error) {
	var (
		tables  []savedTable
		current *savedTable
		lineNo  int
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "" || strings.HasPrefix(line, "#"):
		case strings.HasPrefix(line, "*"):
			if current != nil {
				return nil, fmt.Errorf("line %d: table %s is not committed", lineNo, current.name)
			}
			current = &savedTable{name: strings.TrimPrefix(line, "*")}
		case current == nil:
			return nil, fmt.Errorf("line %d: %q outside of a table", lineNo, line)
		case line == "COMMIT":
			tables = append(tables, *current)
			current = nil
		case strings.HasPrefix(line, ":"):
			fields := strings.Fields(strings.TrimPrefix(line, ":"))
			if len(fields) < 2 {
				return nil, fmt.Errorf("line %d: invalid chain %q", lineNo, line)
			}
			current.chains = append(current.chains, savedChain{name: fields[0], policy: fields[1]})
		case strings.HasPrefix(line, "-A "):
			current.rules = append(current.rules, line)
		default:
			return nil, fmt.Errorf("line %d: unsupported %q", lineNo, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if current != nil {
		return nil, fmt.Errorf("table %s is not committed", current.name)
	}
	return tables, nil
}

// restoreRules replaces the tables in the backup with their saved state.
// Chains that are not in the backup are removed. Unlike iptables-restore
// the tables are not replaced atomically.
func restoreRules(tbl table, data []byte) error {
	tables, err := parseRules(data)
	if err != nil {
		return fmt.Errorf("invalid backup: %w", err)
	}

	for _, t := range tables {
		current, err := tbl.ListChains(t.name)
		if err != nil {
			return fmt.Errorf("failed to list chains of %s: %w", t.name, err)
		}

		// Flush all chains before deleting any, so no jumps are left.
		for _, c := range t.chains {
			if err := tbl.ClearChain(t.name, c.name); err != nil {
				return fmt.Errorf("failed to flush %s %s: %w", t.name, c.name, err)
			}
		}
		var stale []string
		for _, name := range current {
			if slices.ContainsFunc(t.chains, func(c savedChain) bool { return c.name == name }) {
				continue
			}
			if err := tbl.ClearChain(t.name, name); err != nil {
				return fmt.Errorf("failed to flush %s %s: %w", t.name, name, err)
			}
			stale = append(stale, name)
		}
		for _, name := range stale {
			if err := tbl.DeleteChain(t.name, name); err != nil {
				return fmt.Errorf("failed to delete %s %s: %w", t.name, name, err)
			}
		}

		for _, c := range t.chains {
			if c.policy == "-" {
				continue
			}
			if err := tbl.ChangePolicy(t.name, c.name, c.policy); err != nil {
				return fmt.Errorf("failed to set policy of %s %s: %w", t.name, c.name, err)
			}
		}

		for _, rule := range t.rules {
			args, err := shlex.Split(rule)
			if err != nil || len(args) < 3 {
				return fmt.Errorf("invalid rule %q in %s", rule, t.name)
			}
			if err := tbl.Append(t.name, args[1], args[2:]...); err != nil {
				return fmt.Errorf("failed to restore %q in %s: %w", rule, t.name, err)
			}
		}
	}
	return nil
}

// writeBackup writes the backup to a new file in dir and returns its path.
func writeBackup(dir string, data []byte, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o0700); err != nil {
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}
	path := filepath.Join(dir, backupPrefix+now.UTC().Format("20060102-150405")+backupSuffix)
	if err := os.WriteFile(path, data, 0o0600); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	return path, nil
}

// LatestBackup returns the path of the newest backup in dir.
func LatestBackup(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("%w in %s", ErrNoBackup, dir)
	case err != nil:
		return "", err
	}

	// Names sort by their timestamp.
	var latest string
	for _, entry := range entries {
		name := entry.Name()
		if entry.Type().IsRegular() && strings.HasPrefix(name, backupPrefix) && strings.HasSuffix(name, backupSuffix) {
			latest = max(latest, name)
		}
	}
	if latest == "" {
		return "", fmt.Errorf("%w in %s", ErrNoBackup, dir)
	}
	return filepath.Join(dir, latest), nil
}

// Backup saves the rules of the BackupTables to a new file in dir.
func (cf *ChainFilter) Backup(dir string, now time.Time) (string, error) {
	cf.lock.Lock()
	defer cf.lock.Unlock()

	data, err := saveRules(cf.tbl, BackupTables)
	if err != nil {
		return "", err
	}
	return writeBackup(dir, data, now)
}
