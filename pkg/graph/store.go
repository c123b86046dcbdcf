package graph

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/OFFIS-RIT/kinfetch/pkg/common"
	"github.com/OFFIS-RIT/kinfetch/pkg/logger"
	"github.com/OFFIS-RIT/kinfetch/pkg/remote"

	"golang.org/x/sync/errgroup"
)

// AddIndividuals fetches every id that is neither empty nor already part of
// the tree, in batches, and creates one individual per returned record.
// Ids the data source has no record for are skipped.
func (t *Tree) AddIndividuals(ctx context.Context, ids []string) error {
	t.mu.Lock()
	pending := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" && !t.known(id) {
			pending[id] = struct{}{}
		}
	}
	t.mu.Unlock()

	todo := sortedIDs(pending)
	for len(todo) > 0 {
		n := min(t.batchSize, len(todo))
		batch := todo[:n]
		todo = todo[n:]

		resp, err := t.client.Persons(ctx, batch)
		if err != nil {
			return fmt.Errorf("failed to fetch persons: %w", err)
		}
		if resp == nil {
			logger.Warn("[Graph] No data for person batch", "size", len(batch))
			continue
		}
		if err := t.addBatch(ctx, resp); err != nil {
			return err
		}
	}
	return nil
}

type createdPerson struct {
	indi   *common.Individual
	person remote.Person
}

// addBatch creates the individuals of one batch before any of their detail
// requests is dispatched.
func (t *Tree) addBatch(ctx context.Context, resp *remote.PersonsResponse) error {
	t.mu.Lock()
	for _, place := range resp.Places {
		if _, ok := t.places[place.ID]; !ok {
			t.places[place.ID] = common.Coordinates{
				Latitude:  place.Latitude.String(),
				Longitude: place.Longitude.String(),
			}
		}
	}

	created := make([]createdPerson, 0, len(resp.Persons))
	for _, p := range resp.Persons {
		if p.ID == "" || t.known(p.ID) {
			continue
		}
		indi := common.NewIndividual(t.indiSeq.Next(), p.ID)
		t.individuals[p.ID] = indi
		created = append(created, createdPerson{indi: indi, person: p})
	}
	t.recordRelationshipsLocked(resp)
	t.mu.Unlock()

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(t.parallel)
	for _, c := range created {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return nil
			default:
				return t.enrich(gCtx, c.indi, c.person)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (t *Tree) recordRelationshipsLocked(resp *remote.PersonsResponse) {
	for _, rel := range resp.ChildAndParentsRelationships {
		trio := Trio{Father: rel.Parent1.ID(), Mother: rel.Parent2.ID(), Child: rel.Child.ID()}
		if t.known(trio.Child) {
			addTo(t.parents, trio.Child, common.FamilyKey{Father: trio.Father, Mother: trio.Mother})
		}
		if t.known(trio.Father) {
			addTo(t.children, trio.Father, trio)
		}
		if t.known(trio.Mother) {
			addTo(t.children, trio.Mother, trio)
		}
	}
	for _, rel := range resp.Relationships {
		if rel.Type != remote.RelationshipCouple {
			continue
		}
		couple := Couple{Person1: rel.Person1.ID(), Person2: rel.Person2.ID(), RelationshipID: rel.ID}
		if t.known(couple.Person1) {
			addTo(t.spouses, couple.Person1, couple)
		}
		if t.known(couple.Person2) {
			addTo(t.spouses, couple.Person2, couple)
		}
	}
}

func addTo[V comparable](m map[string]map[V]struct{}, id string, v V) {
	set, ok := m[id]
	if !ok {
		set = make(map[V]struct{})
		m[id] = set
	}
	set[v] = struct{}{}
}

// AddFamily returns the family for the parent pair, creating it if absent.
func (t *Tree) AddFamily(father, mother string) *common.Family {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addFamilyLocked(common.FamilyKey{Father: father, Mother: mother})
}

// LinkTrio attaches child to the family of father and mother. It needs the
// child and at least one parent to be known and reports whether the trio
// was linked.
func (t *Tree) LinkTrio(father, mother, child string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.linkTrioLocked(common.FamilyKey{Father: father, Mother: mother}, child)
}

func (t *Tree) linkTrioLocked(key common.FamilyKey, child string) bool {
	if !t.known(child) || !(t.known(key.Father) || t.known(key.Mother)) {
		return false
	}
	fam := t.addFamilyLocked(key)
	fam.Children[child] = struct{}{}
	t.individuals[child].FamC[key] = struct{}{}
	for _, parent := range []string{key.Father, key.Mother} {
		if t.known(parent) {
			t.individuals[parent].FamS[key] = struct{}{}
		}
	}
	return true
}

// AddParents fetches the parents of every known individual of frontier and
// links each child to its parents' family. It returns the ids of the
// parents that are now part of the tree.
func (t *Tree) AddParents(ctx context.Context, frontier map[string]struct{}) (map[string]struct{}, error) {
	t.mu.Lock()
	wanted := make(map[string]struct{})
	for _, fid := range sortedIDs(frontier) {
		for key := range t.parents[fid] {
			for _, parent := range []string{key.Father, key.Mother} {
				if parent != "" {
					wanted[parent] = struct{}{}
				}
			}
		}
	}
	t.mu.Unlock()

	if err := t.AddIndividuals(ctx, sortedIDs(wanted)); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, fid := range sortedIDs(frontier) {
		keys := make([]common.FamilyKey, 0, len(t.parents[fid]))
		for key := range t.parents[fid] {
			keys = append(keys, key)
		}
		slices.SortFunc(keys, compareKeys)
		for _, key := range keys {
			if t.linkable(key) {
				t.linkTrioLocked(key, fid)
			}
		}
	}
	found := make(map[string]struct{}, len(wanted))
	for parent := range wanted {
		if t.known(parent) {
			found[parent] = struct{}{}
		}
	}
	return found, nil
}

// AddChildren fetches the children of every known individual of frontier
// and returns the children that were linked to a family.
func (t *Tree) AddChildren(ctx context.Context, frontier map[string]struct{}) (map[string]struct{}, error) {
	t.mu.Lock()
	rels := make(map[Trio]struct{})
	wanted := make(map[string]struct{})
	for fid := range frontier {
		for trio := range t.children[fid] {
			rels[trio] = struct{}{}
			for _, id := range []string{trio.Father, trio.Mother, trio.Child} {
				if id != "" {
					wanted[id] = struct{}{}
				}
			}
		}
	}
	t.mu.Unlock()

	if len(rels) == 0 {
		return map[string]struct{}{}, nil
	}
	if err := t.AddIndividuals(ctx, sortedIDs(wanted)); err != nil {
		return nil, err
	}

	trios := make([]Trio, 0, len(rels))
	for trio := range rels {
		trios = append(trios, trio)
	}
	slices.SortFunc(trios, compareTrios)

	t.mu.Lock()
	defer t.mu.Unlock()
	linked := make(map[string]struct{})
	for _, trio := range trios {
		key := common.FamilyKey{Father: trio.Father, Mother: trio.Mother}
		if t.known(trio.Child) && t.linkable(key) && t.linkTrioLocked(key, trio.Child) {
			linked[trio.Child] = struct{}{}
		}
	}
	return linked, nil
}

// AddSpouses fetches the spouses of every known individual of frontier,
// creates the families of couples where both sides are known and then
// fetches the marriage details of each family concurrently. A family keeps
// the first relationship id in key order it is offered.
func (t *Tree) AddSpouses(ctx context.Context, frontier map[string]struct{}) error {
	t.mu.Lock()
	rels := make(map[Couple]struct{})
	wanted := make(map[string]struct{})
	for fid := range frontier {
		for couple := range t.spouses[fid] {
			rels[couple] = struct{}{}
			wanted[couple.Person1] = struct{}{}
			wanted[couple.Person2] = struct{}{}
		}
	}
	t.mu.Unlock()

	if len(rels) == 0 {
		return nil
	}
	if err := t.AddIndividuals(ctx, sortedIDs(wanted)); err != nil {
		return err
	}

	couples := make([]Couple, 0, len(rels))
	for couple := range rels {
		couples = append(couples, couple)
	}
	slices.SortFunc(couples, compareCouples)

	type marriage struct {
		fam   *common.Family
		relID string
	}
	marriages := make([]marriage, 0, len(couples))
	t.mu.Lock()
	for _, couple := range couples {
		if !t.known(couple.Person1) || !t.known(couple.Person2) {
			continue
		}
		key := couple.Key()
		t.individuals[couple.Person1].FamS[key] = struct{}{}
		t.individuals[couple.Person2].FamS[key] = struct{}{}
		fam := t.addFamilyLocked(key)
		if fam.FID != "" || couple.RelationshipID == "" {
			continue
		}
		fam.FID = couple.RelationshipID
		marriages = append(marriages, marriage{fam: fam, relID: fam.FID})
	}
	t.mu.Unlock()

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(t.parallel)
	for _, m := range marriages {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return nil
			default:
				return t.addMarriage(gCtx, m.fam, m.relID)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// AddOrdinances fetches the ordinances of one individual. Living
// individuals are skipped. It returns remote.ErrForbidden when the account
// has no access to ordinance data.
func (t *Tree) AddOrdinances(ctx context.Context, fid string) error {
	t.mu.Lock()
	indi, ok := t.individuals[fid]
	skip := !ok || indi.Living
	t.mu.Unlock()
	if skip {
		return nil
	}

	var resp remote.OrdinancesResponse
	found, err := t.client.Detail(ctx, remote.PersonOrdinances, fid, &resp)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	data := resp.Data
	if data.Baptism != nil {
		indi.Baptism = newOrdinance(*data.Baptism)
	}
	if data.Confirmation != nil {
		indi.Confirmation = newOrdinance(*data.Confirmation)
	}
	if data.Initiatory != nil {
		indi.Initiatory = newOrdinance(*data.Initiatory)
	}
	if data.Endowment != nil {
		indi.Endowment = newOrdinance(*data.Endowment)
	}
	for _, rec := range data.SealingsToParents {
		ord := newOrdinance(rec)
		if rec.Relationships != nil && rec.Relationships.Parent1ID != "" && rec.Relationships.Parent2ID != "" {
			key := common.FamilyKey{Father: rec.Relationships.Parent1ID, Mother: rec.Relationships.Parent2ID}
			if fam, ok := t.families[key]; ok {
				ord.Family = fam
			}
		}
		indi.SealingChild = ord
	}
	for _, rec := range data.SealingsToSpouses {
		if rec.Relationships == nil || rec.Relationships.SpouseID == "" {
			continue
		}
		spouse := rec.Relationships.SpouseID
		fam, ok := t.families[common.FamilyKey{Father: fid, Mother: spouse}]
		if !ok {
			fam, ok = t.families[common.FamilyKey{Father: spouse, Mother: fid}]
		}
		if ok {
			fam.SealingSpouse = newOrdinance(rec)
		}
	}
	return nil
}

func newOrdinance(rec remote.OrdinanceRecord) *common.Ordinance {
	ord := &common.Ordinance{Date: rec.CompletedDate, Status: rec.Status}
	if rec.CompletedTemple != nil {
		ord.TempleCode = rec.CompletedTemple.Code
	}
	return ord
}

// ResolveNumericRefs copies numeric ids into the cross references of
// families and individuals. Run it after acquisition and before encoding.
func (t *Tree) ResolveNumericRefs() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, fam := range t.families {
		fam.HusbandNum = t.numOf(key.Father)
		fam.WifeNum = t.numOf(key.Mother)
		fam.ChildNums = fam.ChildNums[:0]
		for child := range fam.Children {
			if num := t.numOf(child); num > 0 {
				fam.ChildNums = append(fam.ChildNums, num)
			}
		}
		slices.Sort(fam.ChildNums)
	}
	for _, indi := range t.individuals {
		indi.FamCNums = t.familyNums(indi.FamC)
		indi.FamSNums = t.familyNums(indi.FamS)
	}
}

func (t *Tree) numOf(fid string) int {
	if indi, ok := t.individuals[fid]; ok && fid != "" {
		return indi.Num
	}
	return 0
}

func (t *Tree) familyNums(keys map[common.FamilyKey]struct{}) []int {
	nums := make([]int, 0, len(keys))
	for key := range keys {
		if fam, ok := t.families[key]; ok {
			nums = append(nums, fam.Num)
		}
	}
	slices.Sort(nums)
	return nums
}

func compareKeys(a, b common.FamilyKey) int {
	if a.Father != b.Father {
		return cmp.Compare(a.Father, b.Father)
	}
	return cmp.Compare(a.Mother, b.Mother)
}

func compareTrios(a, b Trio) int {
	if c := compareKeys(common.FamilyKey{Father: a.Father, Mother: a.Mother}, common.FamilyKey{Father: b.Father, Mother: b.Mother}); c != 0 {
		return c
	}
	return cmp.Compare(a.Child, b.Child)
}

func compareCouples(a, b Couple) int {
	if c := compareKeys(a.Key(), b.Key()); c != 0 {
		return c
	}
	return cmp.Compare(a.RelationshipID, b.RelationshipID)
}
