package graph

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/OFFIS-RIT/kinfetch/pkg/common"
	"github.com/OFFIS-RIT/kinfetch/pkg/remote"
)

// Submitter names the account a tree was acquired with.
type Submitter struct {
	Name string `json:"name"`
	Lang string `json:"lang"`
}

// Trio is a child-and-parents relationship as returned by the data source.
// Any of the three ids may be empty.
type Trio struct {
	Father string
	Mother string
	Child  string
}

// Couple is a couple relationship as returned by the data source.
type Couple struct {
	Person1        string
	Person2        string
	RelationshipID string
}

// Key returns the family key of the couple.
func (c Couple) Key() common.FamilyKey {
	return common.FamilyKey{Father: c.Person1, Mother: c.Person2}
}

// Tree is the graph store. It indexes individuals by external id, families
// by parent pair and sources by external id, and owns the id sequences of
// all entity kinds.
//
// All mutation goes through the tree mutex, so detail fetches can run
// concurrently: responses are fetched outside the lock and applied inside.
type Tree struct {
	mu sync.Mutex

	client    remote.Client
	batchSize int
	parallel  int

	Submitter Submitter

	individuals map[string]*common.Individual
	families    map[common.FamilyKey]*common.Family
	sources     []*common.Source
	sourceIndex map[string]*common.Source
	notes       []*common.Note
	noteIndex   map[string]*common.Note
	places      map[string]common.Coordinates

	parents  map[string]map[common.FamilyKey]struct{}
	children map[string]map[Trio]struct{}
	spouses  map[string]map[Couple]struct{}

	indiSeq   common.Sequence
	famSeq    common.Sequence
	sourceSeq common.Sequence
	noteSeq   common.Sequence

	ordinancesDisabled atomic.Bool
}

// NewTree returns an empty tree that is not bound to a data source. Use it
// for decoded and merged trees.
func NewTree() *Tree {
	return newTree(nil, defaultBatchSize, defaultParallelRequests)
}

func newTree(client remote.Client, batchSize, parallel int) *Tree {
	return &Tree{
		client:      client,
		batchSize:   batchSize,
		parallel:    parallel,
		individuals: make(map[string]*common.Individual),
		families:    make(map[common.FamilyKey]*common.Family),
		sourceIndex: make(map[string]*common.Source),
		noteIndex:   make(map[string]*common.Note),
		places:      make(map[string]common.Coordinates),
		parents:     make(map[string]map[common.FamilyKey]struct{}),
		children:    make(map[string]map[Trio]struct{}),
		spouses:     make(map[string]map[Couple]struct{}),
	}
}

// Individual returns the individual with external id fid.
func (t *Tree) Individual(fid string) (*common.Individual, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	indi, ok := t.individuals[fid]
	return indi, ok
}

// Family returns the family with the given parents.
func (t *Tree) Family(father, mother string) (*common.Family, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fam, ok := t.families[common.FamilyKey{Father: father, Mother: mother}]
	return fam, ok
}

// Source returns the source with external id fid.
func (t *Tree) Source(fid string) (*common.Source, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	src, ok := t.sourceIndex[fid]
	return src, ok
}

// Individuals returns all individuals ordered by numeric id.
func (t *Tree) Individuals() []*common.Individual {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*common.Individual, 0, len(t.individuals))
	for _, indi := range t.individuals {
		out = append(out, indi)
	}
	slices.SortFunc(out, func(a, b *common.Individual) int { return a.Num - b.Num })
	return out
}

// Families returns all families ordered by numeric id.
func (t *Tree) Families() []*common.Family {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*common.Family, 0, len(t.families))
	for _, fam := range t.families {
		out = append(out, fam)
	}
	slices.SortFunc(out, func(a, b *common.Family) int { return a.Num - b.Num })
	return out
}

// Sources returns all sources ordered by numeric id.
func (t *Tree) Sources() []*common.Source {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := slices.Clone(t.sources)
	slices.SortStableFunc(out, func(a, b *common.Source) int { return a.Num - b.Num })
	return out
}

// Notes returns all notes ordered by numeric id.
func (t *Tree) Notes() []*common.Note {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := slices.Clone(t.notes)
	slices.SortStableFunc(out, func(a, b *common.Note) int { return a.Num - b.Num })
	return out
}

// Stats holds the entity counts of a tree.
type Stats struct {
	Individuals int `json:"individuals"`
	Families    int `json:"families"`
	Sources     int `json:"sources"`
	Notes       int `json:"notes"`
}

// Stats returns the current entity counts.
func (t *Tree) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statsLocked()
}

func (t *Tree) statsLocked() Stats {
	return Stats{
		Individuals: len(t.individuals),
		Families:    len(t.families),
		Sources:     len(t.sources),
		Notes:       len(t.notes),
	}
}

// PutIndividual inserts a decoded individual under its external id and keeps
// its numeric id. An individual already stored under that id is replaced.
func (t *Tree) PutIndividual(indi *common.Individual) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.individuals[indi.FID] = indi
	t.indiSeq.Observe(indi.Num)
}

// PutFamily inserts a decoded family under its key.
func (t *Tree) PutFamily(fam *common.Family) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.families[fam.Key] = fam
	t.famSeq.Observe(fam.Num)
}

// PutSource inserts a decoded source. A source whose external id is already
// known returns the stored instance instead.
func (t *Tree) PutSource(src *common.Source) *common.Source {
	t.mu.Lock()
	defer t.mu.Unlock()
	if src.FID != "" {
		if existing, ok := t.sourceIndex[src.FID]; ok {
			return existing
		}
		t.sourceIndex[src.FID] = src
	}
	t.sources = append(t.sources, src)
	t.sourceSeq.Observe(src.Num)
	return src
}

// PutNote inserts a decoded note.
func (t *Tree) PutNote(note *common.Note) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notes = append(t.notes, note)
	if _, ok := t.noteIndex[note.Text]; !ok {
		t.noteIndex[note.Text] = note
	}
	t.noteSeq.Observe(note.Num)
}

// newNoteLocked creates a note with trimmed text.
func (t *Tree) newNoteLocked(text string) *common.Note {
	n := &common.Note{Num: t.noteSeq.Next(), Text: strings.TrimSpace(text)}
	t.notes = append(t.notes, n)
	if _, ok := t.noteIndex[n.Text]; !ok {
		t.noteIndex[n.Text] = n
	}
	return n
}

// sharedNoteLocked returns an existing note with exactly text, creating it
// when there is none.
func (t *Tree) sharedNoteLocked(text string) *common.Note {
	if n, ok := t.noteIndex[strings.TrimSpace(text)]; ok {
		return n
	}
	return t.newNoteLocked(text)
}

func (t *Tree) addFamilyLocked(key common.FamilyKey) *common.Family {
	if fam, ok := t.families[key]; ok {
		return fam
	}
	fam := common.NewFamily(t.famSeq.Next(), key)
	t.families[key] = fam
	return fam
}

func (t *Tree) known(fid string) bool {
	if fid == "" {
		return false
	}
	_, ok := t.individuals[fid]
	return ok
}

// linkable reports whether every named parent of key is known and at least
// one parent is named.
func (t *Tree) linkable(key common.FamilyKey) bool {
	if key.Father == "" && key.Mother == "" {
		return false
	}
	if key.Father != "" && !t.known(key.Father) {
		return false
	}
	if key.Mother != "" && !t.known(key.Mother) {
		return false
	}
	return true
}

func sortedIDs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
