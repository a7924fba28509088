package sink

import (
	"fmt"
	"io/fs"
	"slices"
	"sync"

	"github.com/oszuidwest/zwfm-multitrack/internal/audio"
)

// Memory is an Opener that keeps files in memory. Paths that were opened
// before count as existing. It is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	files    []*MemoryFile
	byPath   map[string]*MemoryFile
	existing map[string]bool
	openErr  error
	writeErr error
}

// NewMemory returns an empty in-memory sink. Paths in existing are reported
// as already present.
func NewMemory(existing ...string) *Memory {
	m := &Memory{
		byPath:   make(map[string]*MemoryFile),
		existing: make(map[string]bool),
	}
	for _, p := range existing {
		m.existing[p] = true
	}
	return m
}

// FailOpens makes every later Open return err.
func (m *Memory) FailOpens(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// FailWrites makes every later Write return err.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// Open implements Opener.
func (m *Memory) Open(p Params) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	if m.existing[p.Path] || m.byPath[p.Path] != nil {
		return nil, fmt.Errorf("open %s: %w", p.Path, fs.ErrExist)
	}
	f := &MemoryFile{owner: m, params: p}
	m.files = append(m.files, f)
	m.byPath[p.Path] = f
	return f, nil
}

// Files returns every file opened so far, in open order.
func (m *Memory) Files() []*MemoryFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.files)
}

// File returns the file opened at path, or nil.
func (m *Memory) File(path string) *MemoryFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byPath[path]
}

// MemoryFile is a file held by Memory.
type MemoryFile struct {
	owner   *Memory
	params  Params
	samples []float64
	closed  bool
}

// Write implements File.
func (f *MemoryFile) Write(b *audio.Block) error {
	f.owner.mu.Lock()
	defer f.owner.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.owner.writeErr != nil {
		return f.owner.writeErr
	}
	if err := checkChannels(f.params, b); err != nil {
		return err
	}
	f.samples = b.Floats(f.samples)
	return nil
}

// Close implements File.
func (f *MemoryFile) Close() error {
	f.owner.mu.Lock()
	defer f.owner.mu.Unlock()
	f.closed = true
	return nil
}

// Params returns the parameters the file was opened with.
func (f *MemoryFile) Params() Params {
	return f.params
}

// Path returns the file's path.
func (f *MemoryFile) Path() string {
	return f.params.Path
}

// Samples returns a copy of the interleaved samples written so far.
func (f *MemoryFile) Samples() []float64 {
	f.owner.mu.Lock()
	defer f.owner.mu.Unlock()
	return slices.Clone(f.samples)
}

// Frames returns the number of frames written so far.
func (f *MemoryFile) Frames() int {
	f.owner.mu.Lock()
	defer f.owner.mu.Unlock()
	return len(f.samples) / f.params.Channels
}

// Closed reports whether Close was called.
func (f *MemoryFile) Closed() bool {
	f.owner.mu.Lock()
	defer f.owner.mu.Unlock()
	return f.closed
}
