// Package gedcom reads and writes record graphs in the GEDCOM 5.1.1
// lineage-linked format.
package gedcom

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/OFFIS-RIT/kinfetch/pkg/common"
	"github.com/OFFIS-RIT/kinfetch/pkg/graph"
)

const (
	// Generator is written as the SOUR of every header.
	Generator = "kinfetch"
	// Version is the generator version written into the header.
	Version = "1.0.0"

	firstBudget = 255
	nextBudget  = 248
)

// EncoderParams configures an Encoder. Zero values fall back to Generator,
// Version and time.Now.
type EncoderParams struct {
	Generator string
	Version   string
	Now       func() time.Time
}

// Encoder writes a tree as GEDCOM text.
type Encoder struct {
	w         *bufio.Writer
	generator string
	version   string
	now       func() time.Time
	err       error
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer, params EncoderParams) *Encoder {
	e := &Encoder{
		w:         bufio.NewWriter(w),
		generator: params.Generator,
		version:   params.Version,
		now:       params.Now,
	}
	if e.generator == "" {
		e.generator = Generator
	}
	if e.version == "" {
		e.version = Version
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Marshal writes tree to w with the default encoder settings.
func Marshal(w io.Writer, tree *graph.Tree) error {
	return NewEncoder(w, EncoderParams{}).Encode(tree)
}

// Encode writes the header, all individuals, families, sources and notes
// ordered by numeric id, and the trailer. Numeric cross references are
// resolved first.
func (e *Encoder) Encode(tree *graph.Tree) error {
	tree.ResolveNumericRefs()

	e.header(tree.Submitter)
	for _, indi := range tree.Individuals() {
		e.individual(indi)
	}
	for _, fam := range tree.Families() {
		e.family(fam)
	}
	for _, src := range tree.Sources() {
		e.source(src)
	}
	last := 0
	for _, n := range tree.Notes() {
		if n.Num == last {
			continue
		}
		last = n.Num
		e.value(0, xref('N', n.Num)+" NOTE", n.Text)
	}
	e.raw("0 TRLR")

	if e.err != nil {
		return e.err
	}
	return e.w.Flush()
}

func (e *Encoder) header(subm graph.Submitter) {
	now := e.now()
	e.raw("0 HEAD")
	e.raw("1 CHAR UTF-8")
	e.raw("1 GEDC")
	e.raw("2 VERS 5.1.1")
	e.raw("2 FORM LINEAGE-LINKED")
	e.raw("1 SOUR " + e.generator)
	e.raw("2 VERS " + e.version)
	e.raw("2 NAME " + e.generator)
	e.raw("1 DATE " + now.Format("02 Jan 2006"))
	e.raw("2 TIME " + now.Format("15:04:05"))
	e.raw("1 SUBM @SUBM@")
	e.raw("0 @SUBM@ SUBM")
	e.line(1, "NAME", subm.Name)
	e.line(1, "LANG", subm.Lang)
}

func (e *Encoder) individual(indi *common.Individual) {
	e.raw("0 " + xref('I', indi.Num) + " INDI")
	if indi.Name != nil {
		e.name(indi.Name, "")
		// NICK holds given name and surname joined by a space. The decoder
		// reads the whole value back as the given name.
		for _, nick := range indi.Nicknames {
			e.value(2, "NICK", strings.TrimSpace(nick.Given+" "+nick.Surname))
		}
	}
	for _, n := range indi.BirthNames {
		e.name(n, "")
	}
	for _, n := range indi.AlsoKnownAs {
		e.name(n, "aka")
	}
	for _, n := range indi.MarriedNames {
		e.name(n, "married")
	}
	e.line(1, "SEX", string(indi.Gender))
	for _, f := range indi.Facts {
		e.fact(f)
	}
	for _, m := range indi.Memories {
		e.raw("1 OBJE")
		e.raw("2 FORM URL")
		e.line(2, "TITL", m.Description)
		e.line(2, "FILE", m.URL)
	}
	e.ordinance("BAPL", indi.Baptism)
	e.ordinance("CONL", indi.Confirmation)
	e.ordinance("WAC", indi.Initiatory)
	e.ordinance("ENDL", indi.Endowment)
	e.ordinance("SLGC", indi.SealingChild)
	for _, num := range indi.FamSNums {
		e.raw("1 FAMS " + xref('F', num))
	}
	for _, num := range indi.FamCNums {
		e.raw("1 FAMC " + xref('F', num))
	}
	e.raw("1 _FSFTID " + indi.FID)
	e.noteLinks(1, indi.Notes)
	e.sourceLinks(indi.Sources)
}

func (e *Encoder) name(n *common.Name, typ string) {
	value := n.Given + " /" + n.Surname + "/"
	if n.Suffix != "" {
		value += " " + n.Suffix
	}
	e.value(1, "NAME", value)
	e.line(2, "TYPE", typ)
	e.line(2, "NPFX", n.Prefix)
	if n.Note != nil {
		e.noteLinks(2, []*common.Note{n.Note})
	}
}

func (e *Encoder) fact(f *common.Fact) {
	if tag, ok := common.FactTag(f.Type); ok {
		e.value(1, tag, f.Value)
	} else if f.Type != "" {
		e.raw("1 EVEN")
		e.value(2, "TYPE", f.Type)
		if f.Value != "" {
			e.value(2, "NOTE", "Description: "+f.Value)
		}
	} else {
		return
	}
	e.line(2, "DATE", f.Date)
	e.line(2, "PLAC", f.Place)
	if f.Map != nil {
		e.raw("3 MAP")
		e.raw("4 LATI " + f.Map.Latitude)
		e.raw("4 LONG " + f.Map.Longitude)
	}
	if f.Note != nil {
		e.noteLinks(2, []*common.Note{f.Note})
	}
}

func (e *Encoder) ordinance(tag string, ord *common.Ordinance) {
	if ord == nil {
		return
	}
	e.raw("1 " + tag)
	e.line(2, "DATE", ord.Date)
	e.line(2, "TEMP", ord.TempleCode)
	if stat, ok := common.OrdinanceStatusTag(ord.Status); ok {
		e.raw("2 STAT " + stat)
	}
	if ord.Family != nil {
		e.raw("2 FAMC " + xref('F', ord.Family.Num))
	}
}

func (e *Encoder) family(fam *common.Family) {
	e.raw("0 " + xref('F', fam.Num) + " FAM")
	if fam.HusbandNum > 0 {
		e.raw("1 HUSB " + xref('I', fam.HusbandNum))
	}
	if fam.WifeNum > 0 {
		e.raw("1 WIFE " + xref('I', fam.WifeNum))
	}
	for _, num := range fam.ChildNums {
		e.raw("1 CHIL " + xref('I', num))
	}
	for _, f := range fam.Facts {
		e.fact(f)
	}
	e.ordinance("SLGS", fam.SealingSpouse)
	e.line(1, "_FSFTID", fam.FID)
	e.noteLinks(1, fam.Notes)
	e.sourceLinks(fam.Sources)
}

func (e *Encoder) source(src *common.Source) {
	e.raw("0 " + xref('S', src.Num) + " SOUR")
	e.line(1, "TITL", src.Title)
	e.line(1, "AUTH", src.Citation)
	e.line(1, "PUBL", src.URL)
	e.noteLinks(1, src.Notes)
	e.line(1, "REFN", src.FID)
}

func (e *Encoder) noteLinks(level int, notes []*common.Note) {
	for _, n := range notes {
		e.raw(strconv.Itoa(level) + " NOTE " + xref('N', n.Num))
	}
}

func (e *Encoder) sourceLinks(refs []common.SourceRef) {
	for _, ref := range refs {
		if ref.Source == nil {
			continue
		}
		e.raw("1 SOUR " + xref('S', ref.Source.Num))
		e.line(2, "PAGE", ref.Quote)
	}
}

// line writes an optional tag: nothing at all when value is empty.
func (e *Encoder) line(level int, tag, value string) {
	if value == "" {
		return
	}
	e.value(level, tag, value)
}

// value writes tag with value wrapped onto CONT and CONC lines one level
// deeper. An empty value writes the bare tag.
func (e *Encoder) value(level int, tag, value string) {
	prefix := strconv.Itoa(level) + " " + tag
	next := strconv.Itoa(level + 1)
	for i, segments := range Wrap(value) {
		for j, seg := range segments {
			switch {
			case i == 0 && j == 0:
				e.raw(joinValue(prefix, seg))
			case j == 0:
				e.raw(joinValue(next+" CONT", seg))
			default:
				e.raw(joinValue(next+" CONC", seg))
			}
		}
	}
}

func (e *Encoder) raw(s string) {
	if e.err != nil {
		return
	}
	if _, err := e.w.WriteString(s); err != nil {
		e.err = err
		return
	}
	e.err = e.w.WriteByte('\n')
}

func joinValue(prefix, value string) string {
	if value == "" {
		return prefix
	}
	return prefix + " " + value
}

func xref(kind byte, num int) string {
	return "@" + string(kind) + strconv.Itoa(num) + "@"
}

// Wrap splits a logical value into its physical segments. Each element is
// one embedded line; its first segment starts a line (or continues with
// CONT) and the rest are appended with CONC. CRLF and lone CR count as
// line breaks.
//
// The first segment of the value may hold 255 bytes of UTF-8, every later
// segment 248. A segment ends at the highest rune index within the budget
// whose neighbours on either side are not space, tab or vertical tab, and
// holds at least one rune. Bytes that are not valid UTF-8 count as runes of
// their own and are written unchanged.
func Wrap(value string) [][]string {
	value = strings.ReplaceAll(value, "\r\n", "\n")
	value = strings.ReplaceAll(value, "\r", "\n")
	budget := firstBudget
	var out [][]string
	for _, text := range strings.Split(value, "\n") {
		var segments []string
		for len(text) > budget {
			i := splitIndex(text, budget)
			segments = append(segments, text[:i])
			text = text[i:]
			budget = nextBudget
		}
		segments = append(segments, text)
		out = append(out, segments)
		budget = nextBudget
	}
	return out
}

// splitIndex returns the byte offset at which text is cut for budget.
func splitIndex(text string, budget int) int {
	starts := make([]int, 0, len(text)+1)
	for off := 0; off < len(text); {
		starts = append(starts, off)
		_, size := utf8.DecodeRuneInString(text[off:])
		off += size
	}
	n := len(starts)
	starts = append(starts, len(text))

	runeAt := func(k int) rune {
		r, _ := utf8.DecodeRuneInString(text[starts[k]:])
		return r
	}
	i := min(budget, n)
	for i > 1 && (starts[i] > budget || isBlank(runeAt(i-1)) || (i < n && isBlank(runeAt(i)))) {
		i--
	}
	return starts[i]
}

func isBlank(r rune) bool {
	return r == ' ' || r == '\t' || r == '\v'
}
