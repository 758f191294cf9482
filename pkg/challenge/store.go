package challenge

import (
	"io/fs"
	"slices"
)

// StoreOptions carries the run-scoped settings handed to a Store. Nothing in
// the store reads process state directly.
type StoreOptions struct {
	// Protected ids are never deleted from the platform.
	Protected []string

	// Skip ids are ignored entirely for the run.
	Skip []string

	// Categories is the set of allowed categories. Empty allows any.
	Categories []string

	// FlagFormat is an optional regular expression static flags must match.
	FlagFormat string

	// LowPointThreshold triggers a style warning for cheaper challenges.
	LowPointThreshold int

	// Files resolves File.Path references. Nil disables file checks.
	Files fs.FS
}

// Store indexes challenge definitions by id. It is immutable after NewStore
// returns and safe for concurrent readers.
type Store struct {
	defs       []*Definition
	index      map[string]*Definition
	duplicates map[string]int
	protected  map[string]bool
	skip       map[string]bool
	categories []string
	opts       StoreOptions
	graph      *Graph
}

// NewStore builds a store from definitions in load order. Duplicate ids are
// kept so validation can report them; lookups resolve to the first one.
func NewStore(defs []Definition, opts StoreOptions) *Store {
	s := &Store{
		defs:       make([]*Definition, 0, len(defs)),
		index:      make(map[string]*Definition, len(defs)),
		duplicates: make(map[string]int),
		protected:  toSet(opts.Protected),
		skip:       toSet(opts.Skip),
		categories: slices.Clone(opts.Categories),
		opts:       opts,
	}

	for i := range defs {
		d := defs[i].Clone()
		s.defs = append(s.defs, d)
		if _, exists := s.index[d.ID]; exists {
			s.duplicates[d.ID]++
			continue
		}
		s.index[d.ID] = d
	}

	s.graph = s.buildGraph()
	return s
}

// buildGraph creates the prerequisite graph over indexed ids. Edges to ids
// that are not in the store are left out; reference checks report those.
func (s *Store) buildGraph() *Graph {
	g := NewGraph()
	for _, id := range s.IDs() {
		g.AddNode(id)
	}
	for _, id := range s.IDs() {
		for _, p := range s.index[id].Prerequisites {
			if _, ok := s.index[p]; ok {
				g.AddEdge(p, id)
			}
		}
	}
	return g
}

// Get returns the definition for id.
func (s *Store) Get(id string) (*Definition, bool) {
	d, ok := s.index[id]
	return d, ok
}

// Has reports whether id is defined locally.
func (s *Store) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

// All returns every loaded definition in load order, duplicates included.
func (s *Store) All() []*Definition {
	return s.defs
}

// IDs returns the unique ids in ascending order.
func (s *Store) IDs() []string {
	ids := make([]string, 0, len(s.index))
	for id := range s.index {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of unique ids.
func (s *Store) Len() int {
	return len(s.index)
}

// Duplicates returns ids defined more than once with their extra count.
func (s *Store) Duplicates() map[string]int {
	return s.duplicates
}

// IsProtected reports whether id must never be deleted.
func (s *Store) IsProtected(id string) bool {
	return s.protected[id]
}

// IsSkipped reports whether id is excluded from the run.
func (s *Store) IsSkipped(id string) bool {
	return s.skip[id]
}

// Categories returns the configured category list.
func (s *Store) Categories() []string {
	return s.categories
}

// Options returns the options the store was built with.
func (s *Store) Options() StoreOptions {
	return s.opts
}

// Graph returns the prerequisite graph (prerequisite -> dependent).
func (s *Store) Graph() *Graph {
	return s.graph
}

// Select resolves a selection to the managed ids (present locally, not
// skipped, not excluded) and the selected ids that are not defined locally.
func (s *Store) Select(sel Selection) (managed []string, missing []string) {
	exclude := toSet(sel.Exclude)

	if sel.IsAll() {
		for _, id := range s.IDs() {
			if !s.skip[id] && !exclude[id] {
				managed = append(managed, id)
			}
		}
		return managed, nil
	}

	seen := make(map[string]bool, len(sel.IDs))
	for _, id := range sel.IDs {
		if seen[id] || s.skip[id] || exclude[id] {
			continue
		}
		seen[id] = true
		if s.Has(id) {
			managed = append(managed, id)
		} else {
			missing = append(missing, id)
		}
	}
	slices.Sort(managed)
	slices.Sort(missing)
	return managed, missing
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
