// Package migrations applies the audit store's versioned SQL files. Files are
// named <version>_<name>.<up|down>.sql and applied in numeric version order,
// each in its own transaction.
package migrations

import (
	"cmp"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
)

// Directions.
const (
	Up   = "up"
	Down = "down"
)

// Migration is one SQL file for one direction.
type Migration struct {
	Version   string
	Name      string
	Direction string
	Path      string

	seq uint64
}

func (m Migration) String() string {
	return m.Version + "_" + m.Name + "." + m.Direction + ".sql"
}

// parseName splits "000001_audit_events.up.sql". ok is false for files
// that are not migrations.
func parseName(file string) (m Migration, ok bool) {
	base, ok := strings.CutSuffix(file, ".sql")
	if !ok {
		return Migration{}, false
	}
	base, dir, ok := cutLast(base, ".")
	if !ok || (dir != Up && dir != Down) {
		return Migration{}, false
	}
	version, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return Migration{}, false
	}
	seq, err := strconv.ParseUint(version, 10, 64)
	if err != nil {
		return Migration{}, false
	}
	return Migration{Version: version, Name: name, Direction: dir, seq: seq}, true
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}

// Load lists the migrations in fsys for one direction, ordered by version.
// Files that do not follow the naming scheme are ignored.
func Load(fsys fs.FS, direction string) ([]Migration, error) {
	if direction != Up && direction != Down {
		return nil, fmt.Errorf("invalid direction %q", direction)
	}

	var out []Migration
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		m, ok := parseName(path.Base(p))
		if !ok || m.Direction != direction {
			return nil
		}
		m.Path = p
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.seq, b.seq) })
	for i := 1; i < len(out); i++ {
		if out[i].seq == out[i-1].seq {
			return nil, fmt.Errorf("duplicate migration version %s (%s, %s)", out[i].Version, out[i-1], out[i])
		}
	}
	return out, nil
}

// Versions returns the version of each migration, in order.
func Versions(migrations []Migration) []string {
	versions := make([]string, len(migrations))
	for i, m := range migrations {
		versions[i] = m.Version
	}
	return versions
}
