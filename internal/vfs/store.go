package vfs

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// HistoryCap bounds the number of snapshots kept per entry.
const HistoryCap = 10

// Snapshot is one prior version of an entry.
type Snapshot struct {
	Content string `json:"content"`
	Writer  string `json:"writer"`
	At      int64  `json:"at"`
}

// Entry is one named text artifact.
type Entry struct {
	Path        string       `json:"path"`
	Content     string       `json:"content"`
	Writer      string       `json:"writer"`
	ByteSize    int          `json:"byteSize"`
	LineCount   int          `json:"lineCount"`
	CreatedAt   int64        `json:"createdAt"`
	ModifiedAt  int64        `json:"modifiedAt"`
	ModifyCount int          `json:"modifyCount"`
	Diff        *DiffSummary `json:"diff,omitempty"`
	History     []Snapshot   `json:"history"`
}

func (e *Entry) clone() *Entry {
	c := *e
	c.History = append([]Snapshot(nil), e.History...)
	if e.Diff != nil {
		d := *e.Diff
		c.Diff = &d
	}
	return &c
}

// FileRecord is the exported form of an entry used for downloads and the
// completion event.
type FileRecord struct {
	Path      string `json:"path" toml:"path"`
	Content   string `json:"content" toml:"-"`
	Writer    string `json:"agentId,omitempty" toml:"writer"`
	ByteSize  int    `json:"byteSize,omitempty" toml:"bytes"`
	LineCount int    `json:"lineCount,omitempty" toml:"lines"`
}

// Contribution summarizes what a single writer did to the store.
type Contribution struct {
	Files   []string `json:"files"`
	Actions int      `json:"actions"`
}

// Stats aggregates store-wide figures.
type Stats struct {
	FileCount          int                     `json:"fileCount"`
	TotalLines         int                     `json:"totalLines"`
	TotalBytes         int                     `json:"totalBytes"`
	TotalModifications int                     `json:"totalModifications"`
	Contributions      map[string]Contribution `json:"contributions"`
}

// Store is an in-memory keyed set of artifacts with bounded history.
//
// One session's phase task is the only writer; the lock exists for readers on
// other goroutines (health snapshots, previews sent from the socket loop).
type Store struct {
	mu     sync.RWMutex
	files  map[string]*Entry
	order  []string
	differ Differ
	clock  func() time.Time

	totalMods int
	contrib   map[string]map[string]struct{}
	actions   map[string]int
}

// Option customizes store construction.
type Option func(*Store)

// WithDiffer swaps the diff strategy used by Modify.
func WithDiffer(d Differ) Option {
	return func(s *Store) {
		if d != nil {
			s.differ = d
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		files:   make(map[string]*Entry),
		differ:  PositionalDiff{},
		clock:   time.Now,
		contrib: make(map[string]map[string]struct{}),
		actions: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a fresh entry at the sanitized path. A second create for a
// path that already exists updates that entry instead of duplicating it.
func (s *Store) Create(path, content, writer string) (*Entry, error) {
	clean, err := SanitizePath(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.files[clean]; ok {
		return s.modifyLocked(e, content, writer).clone(), nil
	}
	return s.createLocked(clean, content, writer).clone(), nil
}

func (s *Store) createLocked(path, content, writer string) *Entry {
	now := s.clock().UnixMilli()
	s.order = append(s.order, path)
	e := &Entry{
		Path:       path,
		Content:    content,
		Writer:     writer,
		ByteSize:   len(content),
		LineCount:  lineCount(content),
		CreatedAt:  now,
		ModifiedAt: now,
		History:    []Snapshot{{Content: content, Writer: writer, At: now}},
	}
	s.files[path] = e
	s.track(writer, path)
	return e
}

// Modify replaces the content of an existing entry, recording a diff summary
// and a history snapshot. Unknown paths are created.
func (s *Store) Modify(path, content, writer string) (*Entry, error) {
	clean, err := SanitizePath(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.files[clean]
	if !ok {
		return s.createLocked(clean, content, writer).clone(), nil
	}
	return s.modifyLocked(e, content, writer).clone(), nil
}

func (s *Store) modifyLocked(e *Entry, content, writer string) *Entry {
	diff := s.differ.Diff(e.Content, content)
	now := s.clock().UnixMilli()

	e.History = append(e.History, Snapshot{Content: content, Writer: writer, At: now})
	if over := len(e.History) - HistoryCap; over > 0 {
		e.History = append([]Snapshot(nil), e.History[over:]...)
	}
	e.Content = content
	e.Writer = writer
	e.ByteSize = len(content)
	e.LineCount = lineCount(content)
	e.ModifiedAt = now
	e.ModifyCount++
	e.Diff = &diff

	s.totalMods++
	s.track(writer, e.Path)
	return e
}

// Delete removes an entry and returns its last snapshot.
func (s *Store) Delete(path string) (*Snapshot, bool) {
	clean, err := SanitizePath(path)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.files[clean]
	if !ok {
		return nil, false
	}
	delete(s.files, clean)
	for i, p := range s.order {
		if p == clean {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	last := e.History[len(e.History)-1]
	return &last, true
}

// Get returns a copy of the entry at path.
func (s *Store) Get(path string) (*Entry, bool) {
	clean, err := SanitizePath(path)
	if err != nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.files[clean]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// List returns copies of all entries in creation order.
func (s *Store) List() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(s.order))
	for _, p := range s.order {
		out = append(out, s.files[p].clone())
	}
	return out
}

// ListByExtension returns entries whose path ends with any of exts.
func (s *Store) ListByExtension(exts ...string) []*Entry {
	var out []*Entry
	for _, e := range s.List() {
		for _, ext := range exts {
			if strings.HasSuffix(e.Path, ext) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// Paths returns the stored paths in creation order.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}

// Export returns the current contents in creation order.
func (s *Store) Export() []FileRecord {
	entries := s.List()
	out := make([]FileRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, FileRecord{
			Path:      e.Path,
			Content:   e.Content,
			Writer:    e.Writer,
			ByteSize:  e.ByteSize,
			LineCount: e.LineCount,
		})
	}
	return out
}

// Stats returns totals and per-writer contributions.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		FileCount:          len(s.files),
		TotalModifications: s.totalMods,
		Contributions:      make(map[string]Contribution, len(s.contrib)),
	}
	for _, e := range s.files {
		st.TotalLines += e.LineCount
		st.TotalBytes += e.ByteSize
	}
	for writer, paths := range s.contrib {
		files := make([]string, 0, len(paths))
		for p := range paths {
			files = append(files, p)
		}
		sort.Strings(files)
		st.Contributions[writer] = Contribution{Files: files, Actions: s.actions[writer]}
	}
	return st
}

func (s *Store) track(writer, path string) {
	if writer == "" {
		return
	}
	if s.contrib[writer] == nil {
		s.contrib[writer] = make(map[string]struct{})
	}
	s.contrib[writer][path] = struct{}{}
	s.actions[writer]++
}
