package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/forgevisor/internal/failure"
)

// Store persists a Checkpoint as a single JSON file. Every mutation is a
// read-modify-write that is durable before it returns.
type Store struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func Open(path string) *Store {
	return &Store{path: path, now: time.Now}
}

func (s *Store) Path() string { return s.path }

// Load reads the checkpoint. A missing file yields an empty checkpoint; an
// unreadable one yields a CorruptCheckpoint failure.
func (s *Store) Load() (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (Checkpoint, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return empty(), nil
		}
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var c Checkpoint
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&c); err != nil {
		return Checkpoint{}, failure.New(failure.CorruptCheckpoint, s.path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Checkpoint{}, failure.New(failure.CorruptCheckpoint, s.path, errors.New("trailing content"))
	}
	if c.Version == 0 {
		c.Version = Version
	}
	if c.Version > Version {
		return Checkpoint{}, failure.New(failure.CorruptCheckpoint, s.path,
			fmt.Errorf("version %d is newer than supported version %d", c.Version, Version))
	}
	if c.Stages == nil {
		c.Stages = map[string]Entry{}
	}
	for name, e := range c.Stages {
		switch e.Status {
		case Pending, Succeeded, Failed:
		default:
			return Checkpoint{}, failure.New(failure.CorruptCheckpoint, s.path,
				fmt.Errorf("stage %s has unknown status %q", name, e.Status))
		}
		if e.AttemptCount < 0 {
			return Checkpoint{}, failure.New(failure.CorruptCheckpoint, s.path,
				fmt.Errorf("stage %s has negative attempt count", name))
		}
	}
	return c, nil
}

func (s *Store) update(fn func(c *Checkpoint) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(&c); err != nil {
		return err
	}
	c.Version = Version
	return s.save(c)
}

// MarkPending moves a failed stage back to pending ahead of a retry.
// Pending stages are left alone.
func (s *Store) MarkPending(stage string) error {
	return s.update(func(c *Checkpoint) error {
		e := c.Get(stage)
		if e.Status == Pending {
			return nil
		}
		if !canTransition(e.Status, Pending) {
			return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, stage, e.Status, Pending)
		}
		e.Status = Pending
		c.Stages[stage] = e
		return nil
	})
}

// RecordAttempt stores the result of one attempt on a pending stage.
// Uncharged attempts keep attempt_count unchanged.
func (s *Store) RecordAttempt(stage string, status Status, outcome string, charged bool) error {
	return s.update(func(c *Checkpoint) error {
		e := c.Get(stage)
		if !canTransition(e.Status, status) || status == Pending {
			return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, stage, e.Status, status)
		}
		e.Status = status
		e.LastAttempt = s.now().UTC()
		e.LastOutcome = outcome
		if charged {
			e.AttemptCount++
		}
		c.Stages[stage] = e
		return nil
	})
}

// Reset forgets all progress of one stage, including a success.
func (s *Store) Reset(stage string) error {
	return s.update(func(c *Checkpoint) error {
		delete(c.Stages, stage)
		return nil
	})
}

// ResetAll discards the whole checkpoint, even one that no longer parses.
func (s *Store) ResetAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(empty())
}

func (s *Store) save(c Checkpoint) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := writeFileAtomicDurable(s.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
