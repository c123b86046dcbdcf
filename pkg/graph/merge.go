package graph

import (
	"slices"
	"strings"

	"github.com/OFFIS-RIT/kinfetch/pkg/common"
)

// MergePolicy decides which input supplies the scalar fields of an
// individual or family present in several inputs.
type MergePolicy int

const (
	// LaterWins overwrites scalar fields with every later input. A child
	// sealing linked to a family is never replaced.
	LaterWins MergePolicy = iota
	// EarlierWins keeps the fields of the first input an entity appears in.
	EarlierWins
)

// Merge folds the trees into one with the LaterWins policy.
func Merge(trees ...*Tree) *Tree {
	return MergeWithPolicy(LaterWins, trees...)
}

// MergeWithPolicy folds the trees into one. Individuals are matched by
// external id and families by parent pair. Relationship sets are unioned,
// sources collapse by external id and notes by trimmed text. The result is
// renumbered and resolved.
func MergeWithPolicy(policy MergePolicy, trees ...*Tree) *Tree {
	m := &merger{
		out:     NewTree(),
		policy:  policy,
		sources: make(map[*common.Source]*common.Source),
		notes:   make(map[string]*common.Note),
	}
	for _, tree := range trees {
		if m.out.Submitter.Name == "" && m.out.Submitter.Lang == "" {
			m.out.Submitter = tree.Submitter
		}
		m.addTree(tree)
	}
	m.finish()
	m.out.ResolveNumericRefs()
	return m.out
}

type merger struct {
	out    *Tree
	policy MergePolicy

	// sources maps every input source to its merged instance.
	sources map[*common.Source]*common.Source
	// notes holds the canonical note of every distinct trimmed text.
	notes map[string]*common.Note
	// sealings holds child sealings whose family still points into an input.
	sealings []*common.Ordinance
}

func (m *merger) addTree(tree *Tree) {
	for _, indi := range tree.Individuals() {
		target, created := m.individual(indi.FID)
		for key := range indi.FamC {
			target.FamC[key] = struct{}{}
		}
		for key := range indi.FamS {
			target.FamS[key] = struct{}{}
		}
		if !created && m.policy == EarlierWins {
			continue
		}
		target.Name = m.name(indi.Name)
		target.BirthNames = m.names(indi.BirthNames)
		target.Nicknames = m.names(indi.Nicknames)
		target.AlsoKnownAs = m.names(indi.AlsoKnownAs)
		target.MarriedNames = m.names(indi.MarriedNames)
		target.Gender = indi.Gender
		target.Living = indi.Living
		target.Facts = m.facts(indi.Facts)
		target.Notes = m.noteList(indi.Notes)
		target.Sources = m.sourceRefs(indi.Sources)
		target.Memories = slices.Clone(indi.Memories)
		target.Baptism = indi.Baptism
		target.Confirmation = indi.Confirmation
		target.Initiatory = indi.Initiatory
		target.Endowment = indi.Endowment
		if target.SealingChild == nil || target.SealingChild.Family == nil {
			target.SealingChild = m.sealing(indi.SealingChild)
		}
	}

	for _, fam := range tree.Families() {
		target, created := m.family(fam.Key)
		for child := range fam.Children {
			target.Children[child] = struct{}{}
		}
		if !created && m.policy == EarlierWins {
			continue
		}
		target.FID = fam.FID
		target.Facts = m.facts(fam.Facts)
		target.Notes = m.noteList(fam.Notes)
		target.Sources = m.sourceRefs(fam.Sources)
		target.SealingSpouse = fam.SealingSpouse
	}
}

func (m *merger) individual(fid string) (*common.Individual, bool) {
	if indi, ok := m.out.individuals[fid]; ok {
		return indi, false
	}
	indi := common.NewIndividual(m.out.indiSeq.Next(), fid)
	m.out.individuals[fid] = indi
	return indi, true
}

func (m *merger) family(key common.FamilyKey) (*common.Family, bool) {
	if fam, ok := m.out.families[key]; ok {
		return fam, false
	}
	return m.out.addFamilyLocked(key), true
}

// sealing copies a child sealing; its family is remapped once all families
// of all inputs exist.
func (m *merger) sealing(ord *common.Ordinance) *common.Ordinance {
	if ord == nil {
		return nil
	}
	out := *ord
	if out.Family != nil {
		m.sealings = append(m.sealings, &out)
	}
	return &out
}

func (m *merger) note(n *common.Note) *common.Note {
	if n == nil {
		return nil
	}
	text := strings.TrimSpace(n.Text)
	if canonical, ok := m.notes[text]; ok {
		return canonical
	}
	canonical := &common.Note{Text: text}
	m.notes[text] = canonical
	return canonical
}

func (m *merger) noteList(notes []*common.Note) []*common.Note {
	var out []*common.Note
	for _, n := range notes {
		out = appendUnique(out, m.note(n))
	}
	return out
}

func (m *merger) name(n *common.Name) *common.Name {
	if n == nil {
		return nil
	}
	out := *n
	out.Note = m.note(n.Note)
	return &out
}

func (m *merger) names(names []*common.Name) []*common.Name {
	var out []*common.Name
	for _, n := range names {
		out = append(out, m.name(n))
	}
	return out
}

func (m *merger) facts(facts []*common.Fact) []*common.Fact {
	var out []*common.Fact
	for _, f := range facts {
		fact := *f
		fact.Note = m.note(f.Note)
		out = append(out, &fact)
	}
	return out
}

func (m *merger) sourceRefs(refs []common.SourceRef) []common.SourceRef {
	var out []common.SourceRef
	for _, ref := range refs {
		if ref.Source == nil {
			continue
		}
		out = append(out, common.SourceRef{Source: m.source(ref.Source), Quote: ref.Quote})
	}
	return out
}

// source returns the merged source for src. The first input that carries
// an external id supplies the fields.
func (m *merger) source(src *common.Source) *common.Source {
	if merged, ok := m.sources[src]; ok {
		return merged
	}
	if src.FID != "" {
		if merged, ok := m.out.sourceIndex[src.FID]; ok {
			m.sources[src] = merged
			return merged
		}
	}
	merged := &common.Source{
		Num:      m.out.sourceSeq.Next(),
		FID:      src.FID,
		Title:    src.Title,
		Citation: src.Citation,
		URL:      src.URL,
	}
	for _, n := range src.Notes {
		merged.Notes = appendUnique(merged.Notes, m.note(n))
	}
	if src.FID != "" {
		m.out.sourceIndex[src.FID] = merged
	}
	m.out.sources = append(m.out.sources, merged)
	m.sources[src] = merged
	return merged
}

// finish remaps child sealings to merged families and numbers the notes in
// text order, one number per distinct text.
func (m *merger) finish() {
	for _, ord := range m.sealings {
		if fam, ok := m.out.families[ord.Family.Key]; ok {
			ord.Family = fam
		} else {
			ord.Family = nil
		}
	}

	texts := make([]string, 0, len(m.notes))
	for text := range m.notes {
		texts = append(texts, text)
	}
	slices.Sort(texts)
	for i, text := range texts {
		n := m.notes[text]
		n.Num = i + 1
		m.out.notes = append(m.out.notes, n)
		m.out.noteIndex[text] = n
	}
	m.out.noteSeq.Observe(len(texts))
}

func appendUnique(notes []*common.Note, n *common.Note) []*common.Note {
	if n == nil || slices.Contains(notes, n) {
		return notes
	}
	return append(notes, n)
}
