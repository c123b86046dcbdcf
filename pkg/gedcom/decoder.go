package gedcom

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strconv"
	"strings"

	"github.com/OFFIS-RIT/kinfetch/pkg/common"
	"github.com/OFFIS-RIT/kinfetch/pkg/graph"
	"github.com/OFFIS-RIT/kinfetch/pkg/logger"
)

// ErrSyntax is returned for lines that do not follow the
// LEVEL [POINTER] TAG [DATA] grammar.
var ErrSyntax = errors.New("gedcom: syntax error")

const maxLineSize = 1 << 20

type line struct {
	level int
	xref  string
	tag   string
	data  string
}

// Decoder reads a tree from GEDCOM text.
type Decoder struct {
	sc     *bufio.Scanner
	lineNo int
	cur    line
	back   bool
	err    error

	indis   map[int]*common.Individual
	fams    map[int]*common.Family
	famDefs map[int]bool
	notes   map[int]*common.Note
	sources map[int]*common.Source

	famC      map[*common.Individual][]int
	famS      map[*common.Individual][]int
	childNums map[*common.Family][]int

	submitter graph.Submitter
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{
		sc:        sc,
		indis:     make(map[int]*common.Individual),
		fams:      make(map[int]*common.Family),
		famDefs:   make(map[int]bool),
		notes:     make(map[int]*common.Note),
		sources:   make(map[int]*common.Source),
		famC:      make(map[*common.Individual][]int),
		famS:      make(map[*common.Individual][]int),
		childNums: make(map[*common.Family][]int),
	}
}

// Unmarshal reads a whole GEDCOM stream into a new tree.
func Unmarshal(r io.Reader) (*graph.Tree, error) {
	return NewDecoder(r).Decode()
}

// Decode parses the stream and rebuilds the external id keys of families
// and individuals from the numeric cross references. Individuals without
// an _FSFTID are keyed "I<num>".
func (d *Decoder) Decode() (*graph.Tree, error) {
	for {
		l, ok := d.next()
		if !ok {
			break
		}
		if l.level != 0 {
			continue
		}
		num, hasNum := xrefNum(l.xref)
		switch {
		case l.tag == "INDI" && hasNum:
			d.parseIndividual(num)
		case l.tag == "FAM" && hasNum:
			d.famDefs[num] = true
			d.parseFamily(d.family(num))
		case l.tag == "NOTE" && hasNum:
			d.note(num).Text = d.text(l)
		case l.tag == "SOUR" && hasNum:
			d.parseSource(d.source(num))
		case l.tag == "SUBM" && l.xref != "":
			d.parseSubmitter()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	if err := d.sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read GEDCOM: %w", err)
	}
	return d.build(), nil
}

// next returns the next non-empty line, or the last one again after
// unread.
func (d *Decoder) next() (line, bool) {
	if d.err != nil {
		return line{}, false
	}
	if d.back {
		d.back = false
		return d.cur, true
	}
	for d.sc.Scan() {
		d.lineNo++
		text := strings.TrimSuffix(d.sc.Text(), "\r")
		if d.lineNo == 1 {
			text = strings.TrimPrefix(text, "\ufeff")
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		l, err := parseLine(text)
		if err != nil {
			d.err = fmt.Errorf("line %d: %w", d.lineNo, err)
			return line{}, false
		}
		d.cur = l
		return l, true
	}
	return line{}, false
}

func (d *Decoder) unread() {
	d.back = true
}

// children yields every line nested below level. Handlers consume the
// subtrees they understand; deeper lines of unknown subtrees are yielded
// too and must be ignored by the caller.
func (d *Decoder) children(level int) iter.Seq[line] {
	return func(yield func(line) bool) {
		for {
			l, ok := d.next()
			if !ok {
				return
			}
			if l.level <= level {
				d.unread()
				return
			}
			if !yield(l) {
				return
			}
		}
	}
}

// text returns the value of l with its CONT and CONC lines folded in.
func (d *Decoder) text(l line) string {
	var b strings.Builder
	b.WriteString(l.data)
	for {
		c, ok := d.next()
		if !ok {
			break
		}
		if c.level != l.level+1 || (c.tag != "CONT" && c.tag != "CONC") {
			d.unread()
			break
		}
		if c.tag == "CONT" {
			b.WriteByte('\n')
		}
		b.WriteString(c.data)
	}
	return b.String()
}

func (d *Decoder) parseIndividual(num int) {
	indi, ok := d.indis[num]
	if !ok {
		indi = common.NewIndividual(num, "")
		d.indis[num] = indi
	}
	for l := range d.children(0) {
		if l.level != 1 {
			continue
		}
		switch l.tag {
		case "NAME":
			d.parseName(indi, l)
		case "SEX":
			indi.Gender = common.Gender(l.data)
		case "BAPL":
			indi.Baptism = d.parseOrdinance(l)
		case "CONL":
			indi.Confirmation = d.parseOrdinance(l)
		case "WAC":
			indi.Initiatory = d.parseOrdinance(l)
		case "ENDL":
			indi.Endowment = d.parseOrdinance(l)
		case "SLGC":
			indi.SealingChild = d.parseOrdinance(l)
		case "FAMS":
			if n, ok := xrefNum(l.data); ok {
				d.famS[indi] = append(d.famS[indi], n)
			}
		case "FAMC":
			if n, ok := xrefNum(l.data); ok {
				d.famC[indi] = append(d.famC[indi], n)
			}
		case "_FSFTID":
			indi.FID = l.data
		case "NOTE":
			if n := d.noteLink(l); n != nil {
				indi.AddNote(n)
			}
		case "SOUR":
			if ref, ok := d.parseSourceLink(l); ok {
				indi.Sources = append(indi.Sources, ref)
			}
		case "OBJE":
			indi.Memories = append(indi.Memories, d.parseMemory(l))
		default:
			if f := d.parseFact(l); f != nil {
				indi.Facts = append(indi.Facts, f)
			}
		}
	}
}

// parseName sorts a NAME into the primary name, the typed name lists or
// the birth names.
func (d *Decoder) parseName(indi *common.Individual, l line) {
	name := &common.Name{}
	parts := strings.SplitN(d.text(l), "/", 3)
	name.Given = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		name.Surname = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		name.Suffix = strings.TrimSpace(parts[2])
	}

	typ := ""
	for c := range d.children(l.level) {
		if c.level != l.level+1 {
			continue
		}
		switch c.tag {
		case "TYPE":
			typ = c.data
		case "NPFX":
			name.Prefix = c.data
		case "NICK":
			// no surname delimiter in NICK values
			indi.Nicknames = append(indi.Nicknames, &common.Name{Given: d.text(c)})
		case "NOTE":
			name.Note = d.noteLink(c)
		}
	}

	switch {
	case typ == "aka":
		indi.AlsoKnownAs = append(indi.AlsoKnownAs, name)
	case typ == "married":
		indi.MarriedNames = append(indi.MarriedNames, name)
	case indi.Name == nil:
		indi.Name = name
	default:
		indi.BirthNames = append(indi.BirthNames, name)
	}
}

// parseFact reads a tagged fact or a custom EVEN. Other tags are skipped
// with their subtree.
func (d *Decoder) parseFact(l line) *common.Fact {
	fact := &common.Fact{}
	if l.tag == "EVEN" {
		d.text(l)
	} else if factType, ok := common.FactTypeForTag(l.tag); ok {
		fact.Type = factType
		fact.Value = d.text(l)
	} else {
		for range d.children(l.level) {
		}
		return nil
	}

	for c := range d.children(l.level) {
		if c.level != l.level+1 {
			continue
		}
		switch c.tag {
		case "TYPE":
			if l.tag == "EVEN" {
				fact.Type = d.text(c)
			}
		case "DATE":
			fact.Date = d.text(c)
		case "PLAC":
			fact.Place = d.text(c)
			fact.Map = d.parseMap(c)
		case "NOTE":
			if strings.HasPrefix(c.data, "@") {
				fact.Note = d.noteLink(c)
				continue
			}
			if value, ok := strings.CutPrefix(d.text(c), "Description: "); ok {
				fact.Value = value
			}
		}
	}
	return fact
}

func (d *Decoder) parseMap(plac line) *common.Coordinates {
	var coords *common.Coordinates
	for c := range d.children(plac.level) {
		if c.tag != "MAP" || c.level != plac.level+1 {
			continue
		}
		coords = &common.Coordinates{}
		for p := range d.children(c.level) {
			switch p.tag {
			case "LATI":
				coords.Latitude = p.data
			case "LONG":
				coords.Longitude = p.data
			}
		}
	}
	return coords
}

func (d *Decoder) parseOrdinance(l line) *common.Ordinance {
	ord := &common.Ordinance{}
	for c := range d.children(l.level) {
		if c.level != l.level+1 {
			continue
		}
		switch c.tag {
		case "DATE":
			ord.Date = d.text(c)
		case "TEMP":
			ord.TempleCode = c.data
		case "STAT":
			if status, ok := common.OrdinanceStatusFromTag(c.data); ok {
				ord.Status = status
			}
		case "FAMC":
			if n, ok := xrefNum(c.data); ok {
				ord.Family = d.family(n)
			}
		}
	}
	return ord
}

func (d *Decoder) parseFamily(fam *common.Family) {
	for l := range d.children(0) {
		if l.level != 1 {
			continue
		}
		switch l.tag {
		case "HUSB":
			if n, ok := xrefNum(l.data); ok {
				fam.HusbandNum = n
			}
		case "WIFE":
			if n, ok := xrefNum(l.data); ok {
				fam.WifeNum = n
			}
		case "CHIL":
			if n, ok := xrefNum(l.data); ok {
				d.childNums[fam] = append(d.childNums[fam], n)
			}
		case "SLGS":
			fam.SealingSpouse = d.parseOrdinance(l)
		case "_FSFTID":
			fam.FID = l.data
		case "NOTE":
			if n := d.noteLink(l); n != nil {
				fam.AddNote(n)
			}
		case "SOUR":
			if ref, ok := d.parseSourceLink(l); ok {
				fam.Sources = append(fam.Sources, ref)
			}
		default:
			if f := d.parseFact(l); f != nil {
				fam.Facts = append(fam.Facts, f)
			}
		}
	}
}

func (d *Decoder) parseSource(src *common.Source) {
	for l := range d.children(0) {
		if l.level != 1 {
			continue
		}
		switch l.tag {
		case "TITL":
			src.Title = d.text(l)
		case "AUTH":
			src.Citation = d.text(l)
		case "PUBL":
			src.URL = d.text(l)
		case "REFN":
			src.FID = l.data
		case "NOTE":
			if n := d.noteLink(l); n != nil && !slices.Contains(src.Notes, n) {
				src.Notes = append(src.Notes, n)
			}
		}
	}
}

func (d *Decoder) parseSourceLink(l line) (common.SourceRef, bool) {
	n, ok := xrefNum(l.data)
	if !ok {
		for range d.children(l.level) {
		}
		return common.SourceRef{}, false
	}
	ref := common.SourceRef{Source: d.source(n)}
	for c := range d.children(l.level) {
		if c.tag == "PAGE" && c.level == l.level+1 {
			ref.Quote = d.text(c)
		}
	}
	return ref, true
}

func (d *Decoder) parseMemory(l line) *common.Memory {
	mem := &common.Memory{}
	for c := range d.children(l.level) {
		if c.level != l.level+1 {
			continue
		}
		switch c.tag {
		case "TITL":
			mem.Description = d.text(c)
		case "FILE":
			mem.URL = d.text(c)
		}
	}
	return mem
}

func (d *Decoder) parseSubmitter() {
	for l := range d.children(0) {
		if l.level != 1 {
			continue
		}
		switch l.tag {
		case "NAME":
			d.submitter.Name = d.text(l)
		case "LANG":
			d.submitter.Lang = d.text(l)
		}
	}
}

func (d *Decoder) noteLink(l line) *common.Note {
	n, ok := xrefNum(l.data)
	if !ok {
		return nil
	}
	return d.note(n)
}

func (d *Decoder) note(num int) *common.Note {
	n, ok := d.notes[num]
	if !ok {
		n = &common.Note{Num: num}
		d.notes[num] = n
	}
	return n
}

func (d *Decoder) family(num int) *common.Family {
	fam, ok := d.fams[num]
	if !ok {
		fam = common.NewFamily(num, common.FamilyKey{})
		d.fams[num] = fam
	}
	return fam
}

func (d *Decoder) source(num int) *common.Source {
	src, ok := d.sources[num]
	if !ok {
		src = &common.Source{Num: num}
		d.sources[num] = src
	}
	return src
}

// build keys every entity by external id and fills the tree.
func (d *Decoder) build() *graph.Tree {
	tree := graph.NewTree()
	tree.Submitter = d.submitter

	for _, num := range sortedKeys(d.indis) {
		indi := d.indis[num]
		if indi.FID == "" {
			indi.FID = "I" + strconv.Itoa(num)
		}
	}
	d.dropUndefinedFamilies()
	fid := func(num int) string {
		if indi, ok := d.indis[num]; ok {
			return indi.FID
		}
		if num > 0 {
			logger.Debug("[GEDCOM] Dropping reference to undefined individual", "num", num)
		}
		return ""
	}

	for _, num := range sortedKeys(d.fams) {
		fam := d.fams[num]
		fam.Key = common.FamilyKey{Father: fid(fam.HusbandNum), Mother: fid(fam.WifeNum)}
		for _, child := range d.childNums[fam] {
			if id := fid(child); id != "" {
				fam.Children[id] = struct{}{}
			}
		}
	}

	for _, num := range sortedKeys(d.indis) {
		indi := d.indis[num]
		for _, n := range d.famC[indi] {
			if fam, ok := d.fams[n]; ok {
				indi.FamC[fam.Key] = struct{}{}
			} else {
				logger.Debug("[GEDCOM] Dropping reference to undefined family", "num", n)
			}
		}
		for _, n := range d.famS[indi] {
			if fam, ok := d.fams[n]; ok {
				indi.FamS[fam.Key] = struct{}{}
			} else {
				logger.Debug("[GEDCOM] Dropping reference to undefined family", "num", n)
			}
		}
		tree.PutIndividual(indi)
	}
	for _, num := range sortedKeys(d.fams) {
		tree.PutFamily(d.fams[num])
	}

	canonical := make(map[*common.Source]*common.Source)
	for _, num := range sortedKeys(d.sources) {
		src := d.sources[num]
		if kept := tree.PutSource(src); kept != src {
			canonical[src] = kept
		}
	}
	if len(canonical) > 0 {
		remap := func(refs []common.SourceRef) {
			for i, ref := range refs {
				if kept, ok := canonical[ref.Source]; ok {
					refs[i].Source = kept
				}
			}
		}
		for _, indi := range d.indis {
			remap(indi.Sources)
		}
		for _, fam := range d.fams {
			remap(fam.Sources)
		}
	}

	for _, num := range sortedKeys(d.notes) {
		tree.PutNote(d.notes[num])
	}
	tree.ResolveNumericRefs()
	return tree
}

// dropUndefinedFamilies forgets families that were only referenced, such
// as the target of a sealing whose FAM record is missing.
func (d *Decoder) dropUndefinedFamilies() {
	for num, fam := range d.fams {
		if d.famDefs[num] {
			continue
		}
		logger.Debug("[GEDCOM] Dropping reference to undefined family", "num", num)
		delete(d.fams, num)
		for _, indi := range d.indis {
			if indi.SealingChild != nil && indi.SealingChild.Family == fam {
				indi.SealingChild.Family = nil
			}
		}
	}
}

func parseLine(s string) (line, error) {
	s = strings.TrimLeft(s, " \t")
	levelText, rest, ok := strings.Cut(s, " ")
	if !ok {
		return line{}, fmt.Errorf("%w: missing tag in %q", ErrSyntax, s)
	}
	level, err := strconv.Atoi(levelText)
	if err != nil || level < 0 {
		return line{}, fmt.Errorf("%w: invalid level %q", ErrSyntax, levelText)
	}
	var l line
	l.level = level
	if strings.HasPrefix(rest, "@") {
		l.xref, rest, ok = strings.Cut(rest, " ")
		if !ok {
			return line{}, fmt.Errorf("%w: missing tag after %s", ErrSyntax, l.xref)
		}
	}
	l.tag, l.data, _ = strings.Cut(rest, " ")
	if l.tag == "" {
		return line{}, fmt.Errorf("%w: missing tag in %q", ErrSyntax, s)
	}
	return l, nil
}

// xrefNum returns the number of a pointer such as @I12@.
func xrefNum(ref string) (int, bool) {
	ref = strings.TrimSpace(ref)
	if len(ref) < 4 || ref[0] != '@' || ref[len(ref)-1] != '@' {
		return 0, false
	}
	n, err := strconv.Atoi(ref[2 : len(ref)-1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
