package alerter

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrStoreClosed is returned by operations on a closed FallbackStore.
var ErrStoreClosed = errors.New("fallback store is closed")

// FallbackStore appends envelopes to a local JSON-lines file. Appends from
// goroutines are serialized by a mutex and appends from other processes by an
// exclusive flock held for the duration of each write.
type FallbackStore struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// OpenFallback opens, creating if needed, the store at path.
func OpenFallback(path string) (*FallbackStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create fallback directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open fallback store: %w", err)
	}
	return &FallbackStore{path: path, file: f}, nil
}

// Path returns the file backing the store.
func (s *FallbackStore) Path() string { return s.path }

// Append writes one envelope as a single line.
func (s *FallbackStore) Append(env Envelope) error {
	line, err := json.Marshal(env)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ErrStoreClosed
	}

	fd := int(s.file.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock %s: %w", s.path, err)
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("failed to append to %s: %w", s.path, err)
	}
	return nil
}

// Flush commits appended lines to stable storage.
func (s *FallbackStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ErrStoreClosed
	}
	return s.file.Sync()
}

// Close flushes and releases the file. It is safe to call more than once.
func (s *FallbackStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := errors.Join(s.file.Sync(), s.file.Close())
	s.file = nil
	return err
}

// ReadFallback returns every envelope in the store at path, in append order,
// and the number of lines that could not be decoded. A missing file holds no
// envelopes.
func ReadFallback(path string) ([]Envelope, int, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		envs    []Envelope
		invalid int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			invalid++
			continue
		}
		envs = append(envs, env)
	}
	return envs, invalid, scanner.Err()
}
