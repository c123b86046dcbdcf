package graph

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/OFFIS-RIT/kinfetch/pkg/common"
	"github.com/OFFIS-RIT/kinfetch/pkg/remote"
)

type detailKey struct {
	kind remote.DetailKind
	id   string
}

// fakeClient serves a fixed record graph. Persons returns every known
// record of the batch together with the relationships touching it.
type fakeClient struct {
	mu sync.Mutex

	persons map[string]remote.Person
	places  []remote.Place
	trios   []remote.ChildAndParents
	couples []remote.Relationship
	details map[detailKey]any
	errs    map[remote.DetailKind]error

	batches     [][]string
	detailCalls map[remote.DetailKind]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		persons:     make(map[string]remote.Person),
		details:     make(map[detailKey]any),
		errs:        make(map[remote.DetailKind]error),
		detailCalls: make(map[remote.DetailKind]int),
	}
}

func (f *fakeClient) addPerson(p remote.Person) {
	f.persons[p.ID] = p
}

func (f *fakeClient) addTrio(father, mother, child string) {
	f.trios = append(f.trios, remote.ChildAndParents{
		Parent1: ref(father),
		Parent2: ref(mother),
		Child:   ref(child),
	})
}

func (f *fakeClient) addCouple(relID, person1, person2 string) {
	f.couples = append(f.couples, remote.Relationship{
		ID:      relID,
		Type:    remote.RelationshipCouple,
		Person1: ref(person1),
		Person2: ref(person2),
	})
}

func (f *fakeClient) setDetail(kind remote.DetailKind, id string, v any) {
	f.details[detailKey{kind: kind, id: id}] = v
}

func (f *fakeClient) Persons(_ context.Context, ids []string) (*remote.PersonsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, slices.Clone(ids))

	resp := &remote.PersonsResponse{Places: f.places}
	for _, id := range ids {
		if p, ok := f.persons[id]; ok {
			resp.Persons = append(resp.Persons, p)
		}
	}
	if len(resp.Persons) == 0 {
		return nil, nil
	}
	for _, trio := range f.trios {
		if slices.Contains(ids, trio.Child.ID()) || slices.Contains(ids, trio.Parent1.ID()) || slices.Contains(ids, trio.Parent2.ID()) {
			resp.ChildAndParentsRelationships = append(resp.ChildAndParentsRelationships, trio)
		}
	}
	for _, rel := range f.couples {
		if slices.Contains(ids, rel.Person1.ID()) || slices.Contains(ids, rel.Person2.ID()) {
			resp.Relationships = append(resp.Relationships, rel)
		}
	}
	return resp, nil
}

func (f *fakeClient) Detail(_ context.Context, kind remote.DetailKind, id string, out any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls[kind]++
	if err := f.errs[kind]; err != nil {
		return false, err
	}
	v, ok := f.details[detailKey{kind: kind, id: id}]
	if !ok {
		return false, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(b, out)
}

func (f *fakeClient) calls(kind remote.DetailKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detailCalls[kind]
}

func ref(id string) *remote.ResourceReference {
	if id == "" {
		return nil
	}
	return &remote.ResourceReference{ResourceID: id}
}

func person(id, given, surname string, facts ...remote.FactRecord) remote.Person {
	return remote.Person{
		ID: id,
		Names: []remote.NameRecord{{
			Preferred: true,
			NameForms: []remote.NameForm{{Parts: []remote.NamePart{
				{Type: common.NamePartGiven, Value: given},
				{Type: common.NamePartSurname, Value: surname},
			}}},
		}},
		Gender: &remote.TypedValue{Type: "http://gedcomx.org/Male"},
		Facts:  facts,
	}
}

func testTree(client remote.Client) *Tree {
	return newTree(client, 2, 4)
}

// put adds individuals with consecutive numbers to a tree that has no
// data source.
func put(t *Tree, fids ...string) {
	for _, fid := range fids {
		t.PutIndividual(common.NewIndividual(t.indiSeq.Last()+1, fid))
	}
}
