package graph

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"

	"github.com/OFFIS-RIT/kinfetch/pkg/common"
	"github.com/OFFIS-RIT/kinfetch/pkg/remote"
)

func newTestGraphClient(t *testing.T) *GraphClient {
	t.Helper()
	g, err := NewGraphClient(NewGraphClientParams{BatchSize: 2, ParallelRequests: 4})
	if err != nil {
		t.Fatalf("NewGraphClient() error = %v", err)
	}
	return g
}

func TestAcquire_NoSeeds(t *testing.T) {
	g := newTestGraphClient(t)
	tree, err := g.Acquire(context.Background(), newFakeClient(), AcquireParams{})
	if !errors.Is(err, ErrNoSeeds) {
		t.Fatalf("Acquire() error = %v, want ErrNoSeeds", err)
	}
	if tree == nil {
		t.Fatal("Acquire() returned nil tree")
	}
}

func TestAcquire_AncestorCycleTerminates(t *testing.T) {
	fake := newFakeClient()
	fake.addPerson(person("A", "Anna", "Alt"))
	fake.addPerson(person("B", "Bert", "Alt"))
	fake.addPerson(person("C", "Clara", "Berg"))
	fake.addTrio("B", "C", "A")
	fake.addTrio("A", "", "B")

	var stages []Stage
	g := newTestGraphClient(t)
	tree, err := g.Acquire(context.Background(), fake, AcquireParams{
		Seeds:    []string{"A"},
		Ascend:   10,
		Progress: func(p Progress) { stages = append(stages, p.Stage) },
	})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	stats := tree.Stats()
	if stats.Individuals != 3 || stats.Families != 2 {
		t.Fatalf("Stats() = %+v, want 3 individuals and 2 families", stats)
	}
	ancestors := 0
	for _, s := range stages {
		if s == StageAncestors {
			ancestors++
		}
	}
	if ancestors != 2 {
		t.Fatalf("ancestor generations = %d, want 2", ancestors)
	}
	if stages[len(stages)-1] != StageDone {
		t.Fatalf("last stage = %q, want %q", stages[len(stages)-1], StageDone)
	}

	parents, ok := tree.Family("B", "C")
	if !ok {
		t.Fatal("family (B, C) missing")
	}
	a, _ := tree.Individual("A")
	if !slices.Equal(a.FamCNums, []int{parents.Num}) {
		t.Fatalf("A.FamCNums = %v, want [%d]", a.FamCNums, parents.Num)
	}
	single, ok := tree.Family("A", "")
	if !ok {
		t.Fatal("family (A, \"\") missing")
	}
	b, _ := tree.Individual("B")
	if !slices.Equal(single.ChildNums, []int{b.Num}) || single.HusbandNum != a.Num || single.WifeNum != 0 {
		t.Fatalf("family (A, \"\") = husband %d wife %d children %v", single.HusbandNum, single.WifeNum, single.ChildNums)
	}
}

func TestAcquire_DescendantsOfAncestors(t *testing.T) {
	fake := newFakeClient()
	fake.addPerson(person("A", "Anna", "Alt"))
	fake.addPerson(person("P", "Paul", "Alt"))
	fake.addPerson(person("S", "Sven", "Alt"))
	fake.addTrio("P", "", "A")
	fake.addTrio("P", "", "S")

	g := newTestGraphClient(t)
	tree, err := g.Acquire(context.Background(), fake, AcquireParams{
		Seeds:   []string{"A"},
		Ascend:  1,
		Descend: 1,
	})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, ok := tree.Individual("S"); !ok {
		t.Fatal("sibling S was not acquired as descendant of P")
	}
	fam, ok := tree.Family("P", "")
	if !ok || len(fam.Children) != 2 {
		t.Fatalf("family (P, \"\") = %+v, want two children", fam)
	}
}

func TestAddIndividuals_Idempotent(t *testing.T) {
	fake := newFakeClient()
	fake.addPerson(person("A", "Anna", "Alt"))
	fake.addPerson(person("B", "Bert", "Alt"))
	fake.addPerson(person("C", "Clara", "Alt"))
	tree := testTree(fake)
	ctx := context.Background()

	if err := tree.AddIndividuals(ctx, []string{"C", "A", "B", "", "A"}); err != nil {
		t.Fatalf("AddIndividuals() error = %v", err)
	}
	if len(fake.batches) != 2 || !slices.Equal(fake.batches[0], []string{"A", "B"}) {
		t.Fatalf("batches = %v, want [[A B] [C]]", fake.batches)
	}
	if err := tree.AddIndividuals(ctx, []string{"A", "B", "C"}); err != nil {
		t.Fatalf("AddIndividuals() error = %v", err)
	}
	if len(fake.batches) != 2 {
		t.Fatalf("known ids were fetched again: %v", fake.batches)
	}
	if got := tree.Stats().Individuals; got != 3 {
		t.Fatalf("Individuals = %d, want 3", got)
	}
	nums := make([]int, 0, 3)
	for _, indi := range tree.Individuals() {
		nums = append(nums, indi.Num)
	}
	if !slices.Equal(nums, []int{1, 2, 3}) {
		t.Fatalf("nums = %v, want dense [1 2 3]", nums)
	}
}

func TestAddIndividuals_UnknownIDSkipped(t *testing.T) {
	fake := newFakeClient()
	fake.addPerson(person("A", "Anna", "Alt"))
	tree := testTree(fake)
	if err := tree.AddIndividuals(context.Background(), []string{"A", "ZZZZ-ZZZ"}); err != nil {
		t.Fatalf("AddIndividuals() error = %v", err)
	}
	if _, ok := tree.Individual("ZZZZ-ZZZ"); ok {
		t.Fatal("unknown id was added")
	}
}

func TestLinkTrio(t *testing.T) {
	tree := NewTree()
	put(tree, "F", "C")

	if tree.LinkTrio("X", "Y", "C") {
		t.Fatal("LinkTrio() linked a child without known parents")
	}
	if tree.LinkTrio("F", "M", "Z") {
		t.Fatal("LinkTrio() linked an unknown child")
	}
	if !tree.LinkTrio("F", "M", "C") {
		t.Fatal("LinkTrio() = false with one known parent")
	}

	key := common.FamilyKey{Father: "F", Mother: "M"}
	c, _ := tree.Individual("C")
	f, _ := tree.Individual("F")
	if _, ok := c.FamC[key]; !ok {
		t.Fatal("child misses FamC link")
	}
	if _, ok := f.FamS[key]; !ok {
		t.Fatal("father misses FamS link")
	}
	fam, ok := tree.Family("F", "M")
	if !ok {
		t.Fatal("family was not created")
	}
	if _, ok := fam.Children["C"]; !ok {
		t.Fatal("family misses child")
	}

	tree.ResolveNumericRefs()
	if fam.HusbandNum != f.Num || fam.WifeNum != 0 {
		t.Fatalf("resolved parents = %d, %d, want %d, 0", fam.HusbandNum, fam.WifeNum, f.Num)
	}
}

func TestEnrich_FactsAndNames(t *testing.T) {
	fake := newFakeClient()
	fake.places = []remote.Place{{ID: "P1", Latitude: "52.52", Longitude: "13.405"}}
	p := person("A", "Anna", "Alt",
		remote.FactRecord{Type: common.FactDeath},
		remote.FactRecord{
			Type:  "http://gedcomx.org/Birth",
			Date:  &remote.DateRecord{Original: "1 Jan 1900"},
			Place: &remote.PlaceReference{Original: "Berlin", Description: "#P1"},
		},
		remote.FactRecord{Type: "http://gedcomx.org/Stillbirth", Value: "yes"},
		remote.FactRecord{Type: "data:,Moved%20abroad"},
		remote.FactRecord{Type: "http://example.org/Unknown"},
		remote.FactRecord{Type: common.FactLifeSketch, Value: "A long life."},
	)
	p.Names = append(p.Names, remote.NameRecord{
		Type:      "http://gedcomx.org/Nickname",
		NameForms: []remote.NameForm{{Parts: []remote.NamePart{{Type: common.NamePartGiven, Value: "Annie"}}}},
	})
	fake.addPerson(p)

	tree := testTree(fake)
	if err := tree.AddIndividuals(context.Background(), []string{"A"}); err != nil {
		t.Fatalf("AddIndividuals() error = %v", err)
	}
	a, _ := tree.Individual("A")
	if a.Name == nil || a.Name.Given != "Anna" || a.Name.Surname != "Alt" {
		t.Fatalf("Name = %+v", a.Name)
	}
	if len(a.Nicknames) != 1 || a.Nicknames[0].Given != "Annie" {
		t.Fatalf("Nicknames = %+v", a.Nicknames)
	}
	if a.Gender != common.GenderMale {
		t.Fatalf("Gender = %q", a.Gender)
	}

	if len(a.Facts) != 4 {
		t.Fatalf("len(Facts) = %d, want 4", len(a.Facts))
	}
	death := a.Facts[0]
	if death.Type != common.FactDeath || death.Value != "Y" {
		t.Fatalf("death = %+v, want value Y", death)
	}
	birth := a.Facts[1]
	if birth.Map == nil || birth.Map.Latitude != "52.52" || birth.Map.Longitude != "13.405" {
		t.Fatalf("birth map = %+v", birth.Map)
	}
	if a.Facts[2].Type != "Stillborn" || a.Facts[3].Type != "Moved abroad" {
		t.Fatalf("custom types = %q, %q", a.Facts[2].Type, a.Facts[3].Type)
	}
	if len(a.Notes) != 1 || a.Notes[0].Text != "=== Life Sketch ===\nA long life." {
		t.Fatalf("Notes = %+v", a.Notes)
	}
}

func TestEnrich_SourcesDeduplicated(t *testing.T) {
	fake := newFakeClient()
	for _, id := range []string{"A", "B"} {
		p := person(id, id, "Alt")
		p.Sources = []json.RawMessage{json.RawMessage(`{}`)}
		fake.addPerson(p)
		fake.setDetail(remote.PersonSources, id, remote.SourcesResponse{
			SourceDescriptions: []remote.SourceDescription{{
				ID:        "S1",
				About:     "https://familysearch.org/platform/memories/memories/1",
				Titles:    []remote.TextValue{{Value: "Census"}},
				Citations: []remote.TextValue{{Value: "Census 1900"}},
			}},
		})
	}
	tree := testTree(fake)
	if err := tree.AddIndividuals(context.Background(), []string{"A", "B"}); err != nil {
		t.Fatalf("AddIndividuals() error = %v", err)
	}
	if got := len(tree.Sources()); got != 1 {
		t.Fatalf("len(Sources) = %d, want 1", got)
	}
	a, _ := tree.Individual("A")
	b, _ := tree.Individual("B")
	if a.Sources[0].Source != b.Sources[0].Source {
		t.Fatal("source is not shared")
	}
	if a.Sources[0].Source.URL != "https://www.familysearch.org/photos/artifacts/1" {
		t.Fatalf("URL = %q", a.Sources[0].Source.URL)
	}
}

func TestAddSpouses_FirstRelationshipWins(t *testing.T) {
	fake := newFakeClient()
	fake.addPerson(person("A", "Anna", "Alt"))
	fake.addPerson(person("B", "Bert", "Berg"))
	fake.addCouple("R2", "A", "B")
	fake.addCouple("R1", "A", "B")
	fake.setDetail(remote.Couple, "R1", remote.CoupleResponse{
		Relationships: []struct {
			Facts   []remote.FactRecord      `json:"facts,omitempty"`
			Sources []remote.SourceReference `json:"sources,omitempty"`
		}{{Facts: []remote.FactRecord{{Type: "http://gedcomx.org/Marriage", Date: &remote.DateRecord{Original: "1920"}}}}},
	})

	tree := testTree(fake)
	ctx := context.Background()
	if err := tree.AddIndividuals(ctx, []string{"A"}); err != nil {
		t.Fatalf("AddIndividuals() error = %v", err)
	}
	if err := tree.AddSpouses(ctx, tree.individualIDs()); err != nil {
		t.Fatalf("AddSpouses() error = %v", err)
	}
	fam, ok := tree.Family("A", "B")
	if !ok {
		t.Fatal("family (A, B) missing")
	}
	if fam.FID != "R1" {
		t.Fatalf("FID = %q, want R1", fam.FID)
	}
	if len(fam.Facts) != 1 || fam.Facts[0].Date != "1920" {
		t.Fatalf("Facts = %+v", fam.Facts)
	}
	if got := fake.calls(remote.Couple); got != 1 {
		t.Fatalf("couple requests = %d, want 1", got)
	}
}

func TestAcquire_OrdinancesForbiddenDisablesRun(t *testing.T) {
	fake := newFakeClient()
	fake.addPerson(person("A", "Anna", "Alt"))
	fake.addPerson(person("B", "Bert", "Alt"))
	fake.errs[remote.PersonOrdinances] = remote.ErrForbidden

	g := newTestGraphClient(t)
	tree, err := g.Acquire(context.Background(), fake, AcquireParams{
		Seeds:      []string{"A", "B"},
		Ordinances: true,
	})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !tree.OrdinancesDisabled() {
		t.Fatal("ordinances still enabled after forbidden response")
	}
}

func TestAddOrdinances(t *testing.T) {
	fake := newFakeClient()
	tree := testTree(fake)
	put(tree, "F", "M", "C")
	tree.LinkTrio("F", "M", "C")

	var resp remote.OrdinancesResponse
	resp.Data.Baptism = &remote.OrdinanceRecord{Status: "Completed", CompletedDate: "1 Jan 1950"}
	sealing := remote.OrdinanceRecord{Status: "Ready"}
	sealing.Relationships = &struct {
		Parent1ID string `json:"parent1Id,omitempty"`
		Parent2ID string `json:"parent2Id,omitempty"`
		SpouseID  string `json:"spouseId,omitempty"`
	}{Parent1ID: "F", Parent2ID: "M"}
	resp.Data.SealingsToParents = []remote.OrdinanceRecord{sealing}
	fake.setDetail(remote.PersonOrdinances, "C", resp)

	if err := tree.AddOrdinances(context.Background(), "C"); err != nil {
		t.Fatalf("AddOrdinances() error = %v", err)
	}
	c, _ := tree.Individual("C")
	if c.Baptism == nil || c.Baptism.Status != "Completed" || c.Baptism.Date != "1 Jan 1950" {
		t.Fatalf("Baptism = %+v", c.Baptism)
	}
	fam, _ := tree.Family("F", "M")
	if c.SealingChild == nil || c.SealingChild.Family != fam {
		t.Fatalf("SealingChild = %+v, want linked to family (F, M)", c.SealingChild)
	}
}

func TestAddContributors_SharesNote(t *testing.T) {
	fake := newFakeClient()
	tree := testTree(fake)
	put(tree, "A", "B")
	changes := remote.ChangesResponse{}
	changes.Entries = make([]struct {
		Contributors []struct {
			Name string `json:"name"`
		} `json:"contributors"`
	}, 1)
	changes.Entries[0].Contributors = []struct {
		Name string `json:"name"`
	}{{Name: "zed"}, {Name: "amy"}, {Name: "zed"}}
	fake.setDetail(remote.PersonChanges, "A", changes)
	fake.setDetail(remote.PersonChanges, "B", changes)

	ctx := context.Background()
	for _, fid := range []string{"A", "B"} {
		if err := tree.AddContributors(ctx, fid); err != nil {
			t.Fatalf("AddContributors(%s) error = %v", fid, err)
		}
	}
	a, _ := tree.Individual("A")
	b, _ := tree.Individual("B")
	if len(a.Notes) != 1 || len(b.Notes) != 1 || a.Notes[0] != b.Notes[0] {
		t.Fatal("contributors note is not shared")
	}
	if want := "=== Contributors ===\namy\nzed"; a.Notes[0].Text != want {
		t.Fatalf("Text = %q, want %q", a.Notes[0].Text, want)
	}
	if got := len(tree.Notes()); got != 1 {
		t.Fatalf("len(Notes) = %d, want 1", got)
	}
}

func TestResolveNumericRefs_Idempotent(t *testing.T) {
	tree := NewTree()
	put(tree, "F", "C1", "C2")
	tree.LinkTrio("F", "", "C2")
	tree.LinkTrio("F", "", "C1")

	tree.ResolveNumericRefs()
	tree.ResolveNumericRefs()
	fam, _ := tree.Family("F", "")
	if !slices.Equal(fam.ChildNums, []int{2, 3}) {
		t.Fatalf("ChildNums = %v, want [2 3]", fam.ChildNums)
	}
}
