package graph

import (
	"context"
	"slices"
	"testing"

	"github.com/OFFIS-RIT/kinfetch/pkg/common"
)

func TestAddParents_HalfKnownParents(t *testing.T) {
	tests := []struct {
		name       string
		persons    []string
		father     string
		mother     string
		wantFound  []string
		wantFamily bool
	}{
		{
			name:       "both parents known",
			persons:    []string{"F", "M", "C"},
			father:     "F",
			mother:     "M",
			wantFound:  []string{"F", "M"},
			wantFamily: true,
		},
		{
			name:       "single named parent",
			persons:    []string{"F", "C"},
			father:     "F",
			wantFound:  []string{"F"},
			wantFamily: true,
		},
		{
			name:       "single named mother",
			persons:    []string{"M", "C"},
			mother:     "M",
			wantFound:  []string{"M"},
			wantFamily: true,
		},
		{
			name:      "named parent still unknown",
			persons:   []string{"F", "C"},
			father:    "F",
			mother:    "M",
			wantFound: []string{"F"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeClient()
			for _, id := range tt.persons {
				fake.addPerson(person(id, id, "Doe"))
			}
			fake.addTrio(tt.father, tt.mother, "C")

			tree := testTree(fake)
			ctx := context.Background()
			if err := tree.AddIndividuals(ctx, []string{"C"}); err != nil {
				t.Fatalf("AddIndividuals() error = %v", err)
			}
			found, err := tree.AddParents(ctx, map[string]struct{}{"C": {}})
			if err != nil {
				t.Fatalf("AddParents() error = %v", err)
			}
			if got := sortedIDs(found); !slices.Equal(got, tt.wantFound) {
				t.Fatalf("AddParents() = %v, want %v", got, tt.wantFound)
			}

			key := common.FamilyKey{Father: tt.father, Mother: tt.mother}
			fam, ok := tree.Family(tt.father, tt.mother)
			if ok != tt.wantFamily {
				t.Fatalf("family %+v exists = %v, want %v", key, ok, tt.wantFamily)
			}
			c, _ := tree.Individual("C")
			if _, linked := c.FamC[key]; linked != tt.wantFamily {
				t.Fatalf("child FamC = %v", c.FamC)
			}
			if !tt.wantFamily {
				if tree.Stats().Families != 0 {
					t.Fatalf("Stats() = %+v, want no family", tree.Stats())
				}
				return
			}
			if _, ok := fam.Children["C"]; !ok {
				t.Fatalf("Children = %v", fam.Children)
			}
			for _, parent := range tt.wantFound {
				p, _ := tree.Individual(parent)
				if _, ok := p.FamS[key]; !ok {
					t.Fatalf("%s misses FamS link", parent)
				}
			}
		})
	}
}

func TestAddChildren_HalfKnownParents(t *testing.T) {
	tests := []struct {
		name       string
		persons    []string
		mother     string
		wantLinked []string
	}{
		{
			name:       "other parent known",
			persons:    []string{"F", "M", "C"},
			mother:     "M",
			wantLinked: []string{"C"},
		},
		{
			name:       "no other parent",
			persons:    []string{"F", "C"},
			wantLinked: []string{"C"},
		},
		{
			name:       "other parent still unknown",
			persons:    []string{"F", "C"},
			mother:     "M",
			wantLinked: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeClient()
			for _, id := range tt.persons {
				fake.addPerson(person(id, id, "Doe"))
			}
			fake.addTrio("F", tt.mother, "C")

			tree := testTree(fake)
			ctx := context.Background()
			if err := tree.AddIndividuals(ctx, []string{"F"}); err != nil {
				t.Fatalf("AddIndividuals() error = %v", err)
			}
			linked, err := tree.AddChildren(ctx, map[string]struct{}{"F": {}})
			if err != nil {
				t.Fatalf("AddChildren() error = %v", err)
			}
			if got := sortedIDs(linked); !slices.Equal(got, tt.wantLinked) {
				t.Fatalf("AddChildren() = %v, want %v", got, tt.wantLinked)
			}

			_, ok := tree.Family("F", tt.mother)
			if want := len(tt.wantLinked) > 0; ok != want {
				t.Fatalf("family exists = %v, want %v", ok, want)
			}
		})
	}
}
