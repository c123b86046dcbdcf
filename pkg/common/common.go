package common

import "sync"

// FamilyKey is the natural key of a union: the ordered pair of the father's
// and the mother's external ids. An empty string means the parent is unknown.
type FamilyKey struct {
	Father string `json:"father,omitempty"`
	Mother string `json:"mother,omitempty"`
}

// Has reports whether id is one of the two parents of the key.
func (k FamilyKey) Has(id string) bool {
	return id != "" && (k.Father == id || k.Mother == id)
}

// Gender is the GEDCOM SEX value of an individual.
type Gender string

const (
	GenderUnset   Gender = ""
	GenderMale    Gender = "M"
	GenderFemale  Gender = "F"
	GenderUnknown Gender = "U"
)

// Individual represents a person of the record graph. An individual is
// created the first time its external id is discovered and is enriched in
// place while detail requests complete. It is never deleted.
//
// FamC and FamS hold the keys of the unions the individual is a child or a
// parent in. FamCNums and FamSNums are only meaningful after the numeric
// resolution pass of the owning tree.
type Individual struct {
	Num          int         `json:"num"`
	FID          string      `json:"fid"`
	Name         *Name       `json:"name,omitempty"`
	Nicknames    []*Name     `json:"nicknames,omitempty"`
	BirthNames   []*Name     `json:"birth_names,omitempty"`
	AlsoKnownAs  []*Name     `json:"also_known_as,omitempty"`
	MarriedNames []*Name     `json:"married_names,omitempty"`
	Gender       Gender      `json:"gender,omitempty"`
	Living       bool        `json:"living"`
	Facts        []*Fact     `json:"facts,omitempty"`
	Notes        []*Note     `json:"notes,omitempty"`
	Sources      []SourceRef `json:"sources,omitempty"`
	Memories     []*Memory   `json:"memories,omitempty"`

	Baptism      *Ordinance `json:"baptism,omitempty"`
	Confirmation *Ordinance `json:"confirmation,omitempty"`
	Initiatory   *Ordinance `json:"initiatory,omitempty"`
	Endowment    *Ordinance `json:"endowment,omitempty"`
	SealingChild *Ordinance `json:"sealing_child,omitempty"`

	FamC     map[FamilyKey]struct{} `json:"-"`
	FamS     map[FamilyKey]struct{} `json:"-"`
	FamCNums []int                  `json:"-"`
	FamSNums []int                  `json:"-"`
}

// NewIndividual returns an empty individual with the given ids.
func NewIndividual(num int, fid string) *Individual {
	return &Individual{
		Num:  num,
		FID:  fid,
		FamC: make(map[FamilyKey]struct{}),
		FamS: make(map[FamilyKey]struct{}),
	}
}

// AddNote links n to the individual unless it is already linked.
func (i *Individual) AddNote(n *Note) {
	i.Notes = appendNote(i.Notes, n)
}

// Family represents a parental or marital union keyed by its two parents.
// FID is the remote couple relationship id and is assigned at most once.
type Family struct {
	Num           int                 `json:"num"`
	Key           FamilyKey           `json:"key"`
	FID           string              `json:"fid,omitempty"`
	Children      map[string]struct{} `json:"-"`
	Facts         []*Fact             `json:"facts,omitempty"`
	Notes         []*Note             `json:"notes,omitempty"`
	Sources       []SourceRef         `json:"sources,omitempty"`
	SealingSpouse *Ordinance          `json:"sealing_spouse,omitempty"`

	HusbandNum int   `json:"-"`
	WifeNum    int   `json:"-"`
	ChildNums  []int `json:"-"`
}

// NewFamily returns an empty family for key.
func NewFamily(num int, key FamilyKey) *Family {
	return &Family{
		Num:      num,
		Key:      key,
		Children: make(map[string]struct{}),
	}
}

// AddNote links n to the family unless it is already linked.
func (f *Family) AddNote(n *Note) {
	f.Notes = appendNote(f.Notes, n)
}

// Fact is a typed event or attribute.
//
// Type is either a type URI with a GEDCOM tag (see FactTag) or a free-form
// label that is written as a custom event. A fact with an empty Type is
// never serialized.
type Fact struct {
	Type  string       `json:"type"`
	Value string       `json:"value,omitempty"`
	Date  string       `json:"date,omitempty"`
	Place string       `json:"place,omitempty"`
	Map   *Coordinates `json:"map,omitempty"`
	Note  *Note        `json:"note,omitempty"`
}

// Name is a personal name record.
type Name struct {
	Given   string `json:"given"`
	Surname string `json:"surname"`
	Prefix  string `json:"prefix,omitempty"`
	Suffix  string `json:"suffix,omitempty"`
	Note    *Note  `json:"note,omitempty"`
}

// Note is a free text shared by reference between its owners.
type Note struct {
	Num  int    `json:"num"`
	Text string `json:"text"`
}

// Source is a source description, deduplicated per tree by FID.
type Source struct {
	Num      int     `json:"num"`
	FID      string  `json:"fid"`
	Title    string  `json:"title,omitempty"`
	Citation string  `json:"citation,omitempty"`
	URL      string  `json:"url,omitempty"`
	Notes    []*Note `json:"notes,omitempty"`
}

// SourceRef links an owner to a shared source. Quote is the optional
// citation page.
type SourceRef struct {
	Source *Source `json:"source"`
	Quote  string  `json:"quote,omitempty"`
}

// Memory is a media reference. Memories carry no identity and are never
// deduplicated.
type Memory struct {
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Ordinance is a dated religious rite. Family is only set on child sealings
// whose parents' union is part of the tree.
type Ordinance struct {
	Date       string  `json:"date,omitempty"`
	TempleCode string  `json:"temple_code,omitempty"`
	Status     string  `json:"status,omitempty"`
	Family     *Family `json:"-"`
}

// Coordinates of a place, kept verbatim as received.
type Coordinates struct {
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
}

// Sequence allocates dense, 1-based numeric ids for one entity kind.
// The zero value is ready to use.
type Sequence struct {
	mu   sync.Mutex
	last int
}

// Next returns the next free id.
func (s *Sequence) Next() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last++
	return s.last
}

// Observe makes sure ids up to n are never handed out again.
func (s *Sequence) Observe(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.last {
		s.last = n
	}
}

// Last returns the highest id handed out or observed so far.
func (s *Sequence) Last() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func appendNote(notes []*Note, n *Note) []*Note {
	if n == nil {
		return notes
	}
	for _, existing := range notes {
		if existing == n {
			return notes
		}
	}
	return append(notes, n)
}
