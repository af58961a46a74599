// Package archive manages the downloader's line-oriented archive files:
// one "<extractor> <id>" entry per line. Access is serialized per absolute
// path; writes go through a temp file and rename so a partial write can
// never be observed.
package archive

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Manager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager() *Manager {
	return &Manager{locks: map[string]*sync.Mutex{}}
}

func (m *Manager) lockFor(path string) (*sync.Mutex, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[abs]
	if !ok {
		l = &sync.Mutex{}
		m.locks[abs] = l
	}
	return l, nil
}

// Read returns the file's entries with trailing newlines stripped, blank
// lines skipped. A missing file reads as empty.
func (m *Manager) Read(path string) ([]string, error) {
	l, err := m.lockFor(path)
	if err != nil {
		return nil, err
	}
	l.Lock()
	defer l.Unlock()
	return readLines(path)
}

// Contains reports whether entry is present in the file.
func (m *Manager) Contains(path, entry string) (bool, error) {
	entries, err := m.Read(path)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e == entry {
			return true, nil
		}
	}
	return false, nil
}

// Append writes the entries that are not already present, preserving file
// order, and returns the ones it actually added. With skipCheck the
// existing set is not consulted and everything is appended.
func (m *Manager) Append(path string, entries []string, skipCheck bool) ([]string, error) {
	l, err := m.lockFor(path)
	if err != nil {
		return nil, err
	}
	l.Lock()
	defer l.Unlock()

	existing, err := readLines(path)
	if err != nil {
		return nil, err
	}

	var added []string
	if skipCheck {
		added = append(added, entries...)
	} else {
		seen := make(map[string]bool, len(existing))
		for _, e := range existing {
			seen[e] = true
		}
		for _, e := range entries {
			if e == "" || seen[e] {
				continue
			}
			seen[e] = true
			added = append(added, e)
		}
	}
	if len(added) == 0 {
		return nil, nil
	}

	if err := writeLines(path, append(existing, added...)); err != nil {
		return nil, err
	}
	return added, nil
}

// Remove rewrites the file without the listed entries and returns the ones
// that were actually present.
func (m *Manager) Remove(path string, entries []string) ([]string, error) {
	l, err := m.lockFor(path)
	if err != nil {
		return nil, err
	}
	l.Lock()
	defer l.Unlock()

	existing, err := readLines(path)
	if err != nil {
		return nil, err
	}

	drop := make(map[string]bool, len(entries))
	for _, e := range entries {
		drop[e] = true
	}

	var kept, removed []string
	for _, e := range existing {
		if drop[e] {
			removed = append(removed, e)
		} else {
			kept = append(kept, e)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}

	if err := writeLines(path, kept); err != nil {
		return nil, err
	}
	return removed, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

// writeLines replaces the file atomically: temp file in the same directory,
// fsync, rename.
func writeLines(path string, lines []string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
