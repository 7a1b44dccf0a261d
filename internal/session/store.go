package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/crucible/internal/compute"
	"github.com/mattjoyce/crucible/internal/history"
	"github.com/mattjoyce/crucible/internal/log"
	"github.com/mattjoyce/crucible/internal/schema"
	"github.com/mattjoyce/crucible/internal/system"
)

// lockTimeout bounds how long an exclusive open waits before failing with
// ErrLocked.
const lockTimeout = 1 * time.Second

const (
	snapshotFileName = "session.json"
	versionFileName  = "version"
)

// DeliverFunc materializes a system's repository tree into repoDir and
// returns its parsed definition. The store stays ignorant of where
// definitions come from.
type DeliverFunc func(name, version, repoDir string) (*schema.Definition, error)

// Store persists sessions as snapshot directories under a root and enforces
// per-session mutual exclusion. Lock slots are created on first use and
// removed on session deletion.
type Store struct {
	root    string
	compute compute.Config
	ledger  *history.Ledger

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewStore creates a store rooted at dir. The ledger may be nil; executions
// are then not recorded in the history database.
func NewStore(dir string, ccfg compute.Config, ledger *history.Ledger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session root %q: %w", dir, err)
	}
	return &Store{
		root:    dir,
		compute: ccfg,
		ledger:  ledger,
		locks:   make(map[string]chan struct{}),
	}, nil
}

func (st *Store) sessionDir(id string) string {
	return filepath.Join(st.root, id)
}

// lockFor returns the session's lock slot, creating it on first use.
func (st *Store) lockFor(id string) chan struct{} {
	st.mu.Lock()
	defer st.mu.Unlock()
	l, ok := st.locks[id]
	if !ok {
		l = make(chan struct{}, 1)
		st.locks[id] = l
	}
	return l
}

// acquire takes the session's exclusive lock with a bounded wait.
func (st *Store) acquire(id string) error {
	select {
	case st.lockFor(id) <- struct{}{}:
		return nil
	case <-time.After(lockTimeout):
		return fmt.Errorf("%w: %s", ErrLocked, id)
	}
}

func (st *Store) release(id string) {
	select {
	case <-st.lockFor(id):
	default:
	}
}

// Create builds a new session: delivers the system's repository, resolves the
// configuration against the definition, provisions the backend resource and
// persists the first snapshot. Returns the new session id.
func (st *Store) Create(ctx context.Context, cfg *schema.Configuration, meta Metadata,
	deliver DeliverFunc, progress compute.ProgressFunc) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	dir := st.sessionDir(id)
	for _, sub := range []string{"inputs", "results", "repository"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create session directory: %w", err)
		}
	}

	def, err := deliver(cfg.System.Name, cfg.System.Version, filepath.Join(dir, "repository"))
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	sys, err := system.New(id, def, cfg, dir, st.compute)
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	if err := sys.CreateResource(ctx, progress); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}

	sess := newSession(id, meta, sys)
	if err := st.persist(sess); err != nil {
		_ = sys.Remove(context.WithoutCancel(ctx))
		_ = os.RemoveAll(dir)
		return "", err
	}
	st.lockFor(id)
	log.WithSession(id).Info("session created", "system", def.Name, "version", def.Version)
	return id, nil
}

// Handle is an opened session. Exclusive handles must be closed; Close
// persists the snapshot and releases the lock.
type Handle struct {
	Session  *Session
	store    *Store
	readOnly bool
	closed   bool
}

// Open loads a session under its exclusive lock and reattaches the backend
// handle. Fails with ErrLocked when the lock cannot be acquired within the
// bound.
func (st *Store) Open(ctx context.Context, id string) (*Handle, error) {
	if err := st.acquire(id); err != nil {
		return nil, err
	}
	sess, err := st.load(id)
	if err != nil {
		st.release(id)
		return nil, err
	}
	if err := sess.System.AttachBackend(ctx, st.compute); err != nil {
		st.release(id)
		return nil, err
	}
	return &Handle{Session: sess, store: st}, nil
}

// OpenReadOnly loads the last persisted snapshot without taking the lock and
// without a live backend. The view may lag an in-flight execution by one
// progress append.
func (st *Store) OpenReadOnly(id string) (*Handle, error) {
	sess, err := st.load(id)
	if err != nil {
		return nil, err
	}
	return &Handle{Session: sess, store: st, readOnly: true}, nil
}

// Close persists the session (exclusive handles only) and releases the lock.
func (h *Handle) Close() error {
	if h.closed || h.readOnly {
		h.closed = true
		return nil
	}
	h.closed = true
	err := h.store.persist(h.Session)
	h.store.release(h.Session.ID)
	return err
}

// discard releases the lock without persisting. Used on mutation failures so
// a half-applied change never reaches the snapshot.
func (h *Handle) discard() {
	if h.closed || h.readOnly {
		return
	}
	h.closed = true
	h.store.release(h.Session.ID)
}

// List returns all persisted session ids.
func (st *Store) List() ([]string, error) {
	entries, err := os.ReadDir(st.root)
	if err != nil {
		return nil, fmt.Errorf("read session root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(st.root, e.Name(), snapshotFileName)); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}

// Remove deletes a session and its backend resource. Unless force is set, a
// session with an in-flight execution or an unreachable backend is refused.
// A forced removal skips the lock and tears down whatever it can reach.
func (st *Store) Remove(ctx context.Context, id string, force bool) error {
	locked := true
	if err := st.acquire(id); err != nil {
		if !force {
			return err
		}
		locked = false
	}
	defer func() {
		if locked {
			st.release(id)
		}
	}()

	sess, err := st.load(id)
	if err != nil {
		return err
	}
	if sess.executing() && !force {
		return fmt.Errorf("%w: session is %s, use force to remove anyway", ErrState, sess.State)
	}

	if err := sess.System.AttachBackend(ctx, st.compute); err != nil {
		if !force {
			return err
		}
		log.WithSession(id).Warn("backend unreachable during forced removal", "error", err)
	} else if err := sess.System.Remove(ctx); err != nil {
		if !force {
			return err
		}
		log.WithSession(id).Warn("backend teardown failed during forced removal", "error", err)
	}

	if err := os.RemoveAll(st.sessionDir(id)); err != nil {
		return fmt.Errorf("remove session directory: %w", err)
	}
	locked = false
	st.release(id)
	st.mu.Lock()
	delete(st.locks, id)
	st.mu.Unlock()
	log.WithSession(id).Info("session removed", "force", force)
	return nil
}

// persist writes the snapshot and its version marker (core version plus a
// content checksum, both advisory on load). Both files are renamed into place
// so a concurrent read-only open never sees a partial write.
func (st *Store) persist(s *Session) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session snapshot: %w", err)
	}
	dir := st.sessionDir(s.ID)
	if err := writeFileAtomic(filepath.Join(dir, snapshotFileName), raw); err != nil {
		return fmt.Errorf("write session snapshot: %w", err)
	}
	sum := blake3.Sum256(raw)
	marker := CoreVersion + "\n" + hex.EncodeToString(sum[:]) + "\n"
	if err := writeFileAtomic(filepath.Join(dir, versionFileName), []byte(marker)); err != nil {
		return fmt.Errorf("write version marker: %w", err)
	}
	return nil
}

func writeFileAtomic(target string, content []byte) error {
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

// load reads a snapshot from disk, warning on version or checksum mismatch.
func (st *Store) load(id string) (*Session, error) {
	raw, err := os.ReadFile(filepath.Join(st.sessionDir(id), snapshotFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read session snapshot: %w", err)
	}

	logger := log.WithSession(id)
	if marker, err := os.ReadFile(filepath.Join(st.sessionDir(id), versionFileName)); err == nil {
		lines := strings.SplitN(strings.TrimSpace(string(marker)), "\n", 2)
		if lines[0] != CoreVersion {
			logger.Warn("session snapshot written by a different version", "snapshot_version", lines[0], "current", CoreVersion)
		}
		if len(lines) == 2 {
			sum := blake3.Sum256(raw)
			if hex.EncodeToString(sum[:]) != strings.TrimSpace(lines[1]) {
				logger.Warn("session snapshot checksum mismatch")
			}
		}
	} else {
		logger.Warn("session has no version marker")
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session snapshot: %w", err)
	}
	return &sess, nil
}
