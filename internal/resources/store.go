package resources

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashfleet/hashfleet/pkg/debug"
)

// Store provides wordlist, rule and mask content referenced by attack
// configurations. Implementations must reject path traversal; resource
// names are opaque identifiers, not paths.
type Store interface {
	// LineCount returns the number of usable lines in the resource.
	LineCount(ctx context.Context, kind, name string) (int64, error)

	// Open streams the resource content.
	Open(ctx context.Context, kind, name string) (io.ReadCloser, error)
}

// Resource kinds
const (
	KindWordlist = "wordlists"
	KindRules    = "rules"
	KindMasks    = "masks"
)

// FileStore is a directory-backed resource store with a line count
// cache keyed by file path and modification time.
type FileStore struct {
	root string

	mu     sync.Mutex
	counts map[string]countEntry
}

type countEntry struct {
	modTime int64
	size    int64
	lines   int64
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{
		root:   dir,
		counts: make(map[string]countEntry),
	}
}

// LineCount counts non-empty lines, caching by size and mtime.
// Wordlist keyspace math calls this on every attack activation; a
// multi-gigabyte wordlist must not be re-scanned each time.
func (s *FileStore) LineCount(ctx context.Context, kind, name string) (int64, error) {
	path, err := s.resolve(kind, name)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat resource %s/%s: %w", kind, name, err)
	}

	s.mu.Lock()
	entry, ok := s.counts[path]
	s.mu.Unlock()
	if ok && entry.modTime == info.ModTime().UnixNano() && entry.size == info.Size() {
		return entry.lines, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open resource %s/%s: %w", kind, name, err)
	}
	defer f.Close()

	var lines int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if len(strings.TrimSpace(scanner.Text())) > 0 {
			lines++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to count lines in %s/%s: %w", kind, name, err)
	}

	s.mu.Lock()
	s.counts[path] = countEntry{modTime: info.ModTime().UnixNano(), size: info.Size(), lines: lines}
	s.mu.Unlock()

	debug.Log("Counted resource lines", map[string]interface{}{
		"kind":  kind,
		"name":  name,
		"lines": lines,
	})
	return lines, nil
}

// Open streams the resource content.
func (s *FileStore) Open(ctx context.Context, kind, name string) (io.ReadCloser, error) {
	path, err := s.resolve(kind, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open resource %s/%s: %w", kind, name, err)
	}
	return f, nil
}

func (s *FileStore) resolve(kind, name string) (string, error) {
	switch kind {
	case KindWordlist, KindRules, KindMasks:
	default:
		return "", fmt.Errorf("unknown resource kind: %s", kind)
	}
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid resource name: %q", name)
	}
	return filepath.Join(s.root, kind, name), nil
}
