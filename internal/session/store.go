package session

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	nterrors "github.com/neoterm/neoterm/internal/errors"
	"github.com/neoterm/neoterm/internal/history"
)

// Saved is one persisted session.
type Saved struct {
	ID      string         `yaml:"id"`
	SavedAt time.Time      `yaml:"saved_at"`
	History history.Record `yaml:"history"`
}

// Info describes a saved session without its history.
type Info struct {
	ID      string
	Path    string
	SavedAt time.Time
	Blocks  int
	Locked  bool
}

// ValidateID checks that id can name a session file inside the store
// directory.
func ValidateID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return nterrors.SessionInvalidID(id, "must not be empty")
	case strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, os.PathSeparator):
		return nterrors.SessionInvalidID(id, "must not contain a path separator")
	case strings.Contains(id, ".."):
		return nterrors.SessionInvalidID(id, `must not contain ".."`)
	case strings.HasPrefix(id, "."):
		return nterrors.SessionInvalidID(id, `must not start with "."`)
	case strings.ContainsRune(id, 0):
		return nterrors.SessionInvalidID(id, "must not contain NUL")
	}
	return nil
}

// Lock is an exclusive claim on one saved session.
type Lock struct {
	id       string
	lockFile *os.File
}

// Release releases the lock. The lock file stays so that every process
// contending for the session flocks the same inode.
func (l *Lock) Release() error {
	if l.lockFile == nil {
		return nil
	}
	_ = syscall.Flock(int(l.lockFile.Fd()), syscall.LOCK_UN)
	err := l.lockFile.Close()
	l.lockFile = nil
	return err
}

// Store persists session histories as YAML files, one per session, with
// atomic write-then-rename. Locking is per session, so several processes
// may share a directory.
type Store struct {
	dir string
}

// NewStore creates the directory if needed and recovers writes that were
// interrupted by a crash.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nterrors.FromIO(nterrors.IOWrite, dir, err)
	}
	if err := recoverInterruptedWrites(dir); err != nil {
		return nil, fmt.Errorf("recovering interrupted writes: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".yaml")
}

// Lock claims session id for this process. It fails at once if another
// process holds the claim.
func (s *Store) Lock(id string) (*Lock, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	lockPath := s.path(id) + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, nterrors.FromIO(nterrors.IOWrite, lockPath, err)
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, nterrors.SessionLocked(id, err)
	}
	return &Lock{id: id, lockFile: lockFile}, nil
}

// IsLocked reports whether another process holds session id.
func (s *Store) IsLocked(id string) bool {
	if ValidateID(id) != nil {
		return false
	}
	lockFile, err := os.OpenFile(s.path(id)+".lock", os.O_RDWR, 0o644)
	if err != nil {
		return false
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return true
	}
	_ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
	return false
}

// recoverInterruptedWrites handles .tmp files left by a crash: an orphan
// next to its main file is deleted, otherwise it is promoted.
func recoverInterruptedWrites(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".yaml.tmp") {
			continue
		}
		tmpPath := filepath.Join(dir, entry.Name())
		mainPath := strings.TrimSuffix(tmpPath, ".tmp")
		if _, err := os.Stat(mainPath); err == nil {
			os.Remove(tmpPath)
		} else {
			os.Rename(tmpPath, mainPath)
		}
	}
	return nil
}

// Save writes the session's history.
func (s *Store) Save(id string, rec history.Record) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	data, err := yaml.Marshal(Saved{ID: id, SavedAt: time.Now().UTC(), History: rec})
	if err != nil {
		return fmt.Errorf("marshaling session %s: %w", id, err)
	}

	mainPath := s.path(id)
	tmpPath := mainPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return nterrors.FromIO(nterrors.IOWrite, tmpPath, err)
	}
	if err := os.Rename(tmpPath, mainPath); err != nil {
		os.Remove(tmpPath)
		return nterrors.FromIO(nterrors.IOWrite, mainPath, err)
	}
	return nil
}

// Load reads a saved session.
func (s *Store) Load(id string) (*Saved, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	path := s.path(id)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nterrors.FromIO(nterrors.IORead, path, err)
	}
	var saved Saved
	if err := yaml.Unmarshal(data, &saved); err != nil {
		return nil, nterrors.Wrap(nterrors.CodeHistoryInvalid, "failed to parse saved session", err).
			WithDetail("path", path)
	}
	if saved.ID != id {
		return nil, nterrors.Newf(nterrors.CodeHistoryInvalid, "file %s holds session %q", path, saved.ID)
	}
	return &saved, nil
}

// Delete removes a saved session.
func (s *Store) Delete(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	path := s.path(id)
	if err := os.Remove(path); err != nil {
		return nterrors.FromIO(nterrors.IOWrite, path, err)
	}
	return nil
}

// List returns every readable saved session, most recently saved first.
// Unreadable files are skipped.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nterrors.FromIO(nterrors.IORead, s.dir, err)
	}

	var out []Info
	for _, entry := range entries {
		name := entry.Name()
		// .yaml.tmp and .yaml.lock end in something other than .yaml
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		id := strings.TrimSuffix(name, ".yaml")
		saved, err := s.Load(id)
		if err != nil {
			continue
		}
		out = append(out, Info{
			ID:      id,
			Path:    s.path(id),
			SavedAt: saved.SavedAt,
			Blocks:  len(saved.History.Blocks),
			Locked:  s.IsLocked(id),
		})
	}
	slices.SortFunc(out, func(a, b Info) int {
		if c := b.SavedAt.Compare(a.SavedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Save persists the session's history to store.
func (s *Session) Save(store *Store) error {
	return store.Save(s.ID, s.History.Export())
}
