package gedcom

import (
	"bytes"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kinfetch/pkg/common"
	"github.com/OFFIS-RIT/kinfetch/pkg/graph"
)

var fixedNow = func() time.Time { return time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC) }

func TestWrap(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  [][]string
	}{
		{
			name:  "empty value",
			value: "",
			want:  [][]string{{""}},
		},
		{
			name:  "exactly at budget",
			value: strings.Repeat("a", 255),
			want:  [][]string{{strings.Repeat("a", 255)}},
		},
		{
			name:  "one byte over budget",
			value: strings.Repeat("a", 256),
			want:  [][]string{{strings.Repeat("a", 255), "a"}},
		},
		{
			name:  "split moves away from whitespace",
			value: strings.Repeat("a", 254) + " " + strings.Repeat("b", 10),
			want:  [][]string{{strings.Repeat("a", 253), "a " + strings.Repeat("b", 10)}},
		},
		{
			name:  "multibyte runes stay whole",
			value: strings.Repeat("é", 200),
			want:  [][]string{{strings.Repeat("é", 127), strings.Repeat("é", 73)}},
		},
		{
			name:  "later lines use the smaller budget",
			value: "short\n" + strings.Repeat("x", 250),
			want:  [][]string{{"short"}, {strings.Repeat("x", 248), "xx"}},
		},
		{
			name:  "later segments use the smaller budget",
			value: strings.Repeat("y", 255+249),
			want:  [][]string{{strings.Repeat("y", 255), strings.Repeat("y", 248), "y"}},
		},
		{
			name:  "lone carriage return breaks the line",
			value: "first\rsecond\r\nthird",
			want:  [][]string{{"first"}, {"second"}, {"third"}},
		},
		{
			name:  "invalid utf-8 is kept byte for byte",
			value: strings.Repeat("\xff", 256),
			want:  [][]string{{strings.Repeat("\xff", 255), "\xff"}},
		},
		{
			name:  "invalid byte next to multibyte runes",
			value: strings.Repeat("é", 127) + "\xe9" + "ab",
			want:  [][]string{{strings.Repeat("é", 127) + "\xe9", "ab"}},
		},
		{
			name:  "blank run falls back to one rune",
			value: strings.Repeat(" ", 300),
			want:  [][]string{append(slices.Repeat([]string{" "}, 52), strings.Repeat(" ", 248))},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Wrap(tt.value)
			if len(got) != len(tt.want) {
				t.Fatalf("Wrap() returned %d lines, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if strings.Join(got[i], "|") != strings.Join(tt.want[i], "|") {
					t.Fatalf("line %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestEncode_WrapsLongValues(t *testing.T) {
	tree := graph.NewTree()
	tree.PutNote(&common.Note{Num: 1, Text: strings.Repeat("a", 256)})

	var buf bytes.Buffer
	if err := NewEncoder(&buf, EncoderParams{Now: fixedNow}).Encode(tree); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := "0 @N1@ NOTE " + strings.Repeat("a", 255) + "\n1 CONC a\n0 TRLR\n"
	if !strings.HasSuffix(buf.String(), want) {
		t.Fatalf("output does not end with the wrapped note:\n%s", buf.String())
	}
}

func sampleTree() *graph.Tree {
	tree := graph.NewTree()
	tree.Submitter = graph.Submitter{Name: "Jane Doe", Lang: "English"}

	note := &common.Note{Num: 1, Text: "first line\nsecond line"}
	src := &common.Source{Num: 1, FID: "S1", Title: "Census", Citation: "Census 1900", URL: "https://example.org/1"}
	key := common.FamilyKey{Father: "AAAA-001"}
	fam := common.NewFamily(1, key)
	fam.FID = "R1"
	fam.Children["AAAA-002"] = struct{}{}
	fam.Notes = []*common.Note{note}

	father := common.NewIndividual(1, "AAAA-001")
	father.Name = &common.Name{Given: "John", Surname: "Doe"}
	father.Gender = common.GenderMale
	father.Facts = []*common.Fact{
		{
			Type:  "http://gedcomx.org/Birth",
			Date:  "1 Jan 1900",
			Place: "Berlin",
			Map:   &common.Coordinates{Latitude: "52.52", Longitude: "13.405"},
		},
		{Type: common.FactDeath, Value: "Y"},
	}
	father.Notes = []*common.Note{note}
	father.Sources = []common.SourceRef{{Source: src, Quote: "p. 4"}}
	father.FamS[key] = struct{}{}

	child := common.NewIndividual(2, "AAAA-002")
	child.Name = &common.Name{Given: "Ann", Surname: "Doe", Suffix: "Jr."}
	child.Nicknames = []*common.Name{{Given: "Annie"}}
	child.AlsoKnownAs = []*common.Name{{Given: "Anna", Surname: "Doe"}}
	child.Gender = common.GenderFemale
	child.Facts = []*common.Fact{{Type: "Stillborn", Value: "yes"}}
	child.Baptism = &common.Ordinance{Date: "2 Feb 1950", TempleCode: "LANGE", Status: "Completed"}
	child.SealingChild = &common.Ordinance{Status: "Ready", Family: fam}
	child.FamC[key] = struct{}{}

	tree.PutIndividual(father)
	tree.PutIndividual(child)
	tree.PutFamily(fam)
	tree.PutSource(src)
	tree.PutNote(note)
	return tree
}

const sampleGEDCOM = `0 HEAD
1 CHAR UTF-8
1 GEDC
2 VERS 5.1.1
2 FORM LINEAGE-LINKED
1 SOUR kinfetch
2 VERS 1.0.0
2 NAME kinfetch
1 DATE 05 Mar 2024
2 TIME 14:07:09
1 SUBM @SUBM@
0 @SUBM@ SUBM
1 NAME Jane Doe
1 LANG English
0 @I1@ INDI
1 NAME John /Doe/
1 SEX M
1 BIRT
2 DATE 1 Jan 1900
2 PLAC Berlin
3 MAP
4 LATI 52.52
4 LONG 13.405
1 DEAT Y
1 FAMS @F1@
1 _FSFTID AAAA-001
1 NOTE @N1@
1 SOUR @S1@
2 PAGE p. 4
0 @I2@ INDI
1 NAME Ann /Doe/ Jr.
2 NICK Annie
1 NAME Anna /Doe/
2 TYPE aka
1 SEX F
1 EVEN
2 TYPE Stillborn
2 NOTE Description: yes
1 BAPL
2 DATE 2 Feb 1950
2 TEMP LANGE
2 STAT COMPLETED
1 SLGC
2 STAT QUALIFIED
2 FAMC @F1@
1 FAMC @F1@
1 _FSFTID AAAA-002
0 @F1@ FAM
1 HUSB @I1@
1 CHIL @I2@
1 _FSFTID R1
1 NOTE @N1@
0 @S1@ SOUR
1 TITL Census
1 AUTH Census 1900
1 PUBL https://example.org/1
1 REFN S1
0 @N1@ NOTE first line
1 CONT second line
0 TRLR
`

func TestEncode_Golden(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf, EncoderParams{Now: fixedNow}).Encode(sampleTree()); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if got := buf.String(); got != sampleGEDCOM {
		t.Fatalf("Encode() mismatch\n got:\n%s\nwant:\n%s", got, sampleGEDCOM)
	}
}

func TestEncode_DeathWithoutDetails(t *testing.T) {
	tree := graph.NewTree()
	indi := common.NewIndividual(1, "AAAA-001")
	indi.Facts = []*common.Fact{{Type: common.FactDeath, Value: "Y"}}
	tree.PutIndividual(indi)

	var buf bytes.Buffer
	if err := NewEncoder(&buf, EncoderParams{Now: fixedNow}).Encode(tree); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.Contains(buf.String(), "\n0 @I1@ INDI\n1 DEAT Y\n1 _FSFTID AAAA-001\n") {
		t.Fatalf("death fact not written as DEAT Y:\n%s", buf.String())
	}
}

func TestEncode_SkipsUntypedFacts(t *testing.T) {
	tree := graph.NewTree()
	indi := common.NewIndividual(1, "AAAA-001")
	indi.Facts = []*common.Fact{{Value: "lost"}}
	tree.PutIndividual(indi)

	var buf bytes.Buffer
	if err := Marshal(&buf, tree); err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(buf.String(), "lost") {
		t.Fatalf("untyped fact was written:\n%s", buf.String())
	}
}
