package graph

import (
	"context"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/kinfetch/pkg/common"
	"github.com/OFFIS-RIT/kinfetch/pkg/remote"
)

const (
	lifeSketchTitle   = "Life Sketch"
	contributorsTitle = "Contributors"

	memoriesHost  = "familysearch.org/platform/memories/memories"
	artifactsHost = "www.familysearch.org/photos/artifacts"
)

// enrich fills a freshly created individual from its batch record and
// fetches its sources and memories when the record announces them.
func (t *Tree) enrich(ctx context.Context, indi *common.Individual, p remote.Person) error {
	t.mu.Lock()
	indi.Living = p.Living
	for _, rec := range p.Names {
		name := t.newNameLocked(rec)
		if rec.Preferred {
			indi.Name = name
			continue
		}
		switch common.ClassifyName(rec.Type) {
		case common.NameNickname:
			indi.Nicknames = append(indi.Nicknames, name)
		case common.NameBirth:
			indi.BirthNames = append(indi.BirthNames, name)
		case common.NameAlsoKnownAs:
			indi.AlsoKnownAs = append(indi.AlsoKnownAs, name)
		case common.NameMarried:
			indi.MarriedNames = append(indi.MarriedNames, name)
		}
	}
	if p.Gender != nil {
		indi.Gender = common.GenderFromType(p.Gender.Type)
	}
	for _, rec := range p.Facts {
		if rec.Type == common.FactLifeSketch {
			indi.AddNote(t.newNoteLocked(titled(lifeSketchTitle, rec.Value)))
			continue
		}
		if fact := t.newFactLocked(rec); fact != nil {
			indi.Facts = append(indi.Facts, fact)
		}
	}
	t.mu.Unlock()

	if p.Sources != nil {
		if err := t.addPersonSources(ctx, indi); err != nil {
			return err
		}
	}
	if p.Evidence != nil {
		if err := t.addMemories(ctx, indi); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) newNameLocked(rec remote.NameRecord) *common.Name {
	name := &common.Name{}
	if len(rec.NameForms) > 0 {
		for _, part := range rec.NameForms[0].Parts {
			switch part.Type {
			case common.NamePartGiven:
				name.Given = part.Value
			case common.NamePartSurname:
				name.Surname = part.Value
			case common.NamePartPrefix:
				name.Prefix = part.Value
			case common.NamePartSuffix:
				name.Suffix = part.Value
			}
		}
	}
	if msg := changeMessage(rec.Attribution); msg != "" {
		name.Note = t.newNoteLocked(msg)
	}
	return name
}

// newFactLocked converts a fact record. Facts of unknown type are dropped.
func (t *Tree) newFactLocked(rec remote.FactRecord) *common.Fact {
	factType, ok := common.NormalizeFactType(rec.Type)
	if !ok {
		return nil
	}
	fact := &common.Fact{Type: factType, Value: rec.Value}
	if rec.Date != nil {
		fact.Date = rec.Date.Original
	}
	if rec.Place != nil {
		fact.Place = rec.Place.Original
		if len(rec.Place.Description) > 1 {
			if coords, ok := t.places[rec.Place.Description[1:]]; ok {
				fact.Map = &coords
			}
		}
	}
	if msg := changeMessage(rec.Attribution); msg != "" {
		fact.Note = t.newNoteLocked(msg)
	}
	if fact.Type == common.FactDeath && fact.Date == "" && fact.Place == "" {
		fact.Value = "Y"
	}
	return fact
}

func (t *Tree) addPersonSources(ctx context.Context, indi *common.Individual) error {
	var resp remote.SourcesResponse
	ok, err := t.client.Detail(ctx, remote.PersonSources, indi.FID, &resp)
	if err != nil || !ok {
		return err
	}
	quotes := make(map[string]string)
	if len(resp.Persons) > 0 {
		for _, ref := range resp.Persons[0].Sources {
			quotes[ref.DescriptionID] = changeMessage(ref.Attribution)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, desc := range resp.SourceDescriptions {
		src := t.sourceLocked(desc)
		indi.Sources = append(indi.Sources, common.SourceRef{Source: src, Quote: quotes[desc.ID]})
	}
	return nil
}

// sourceLocked returns the source for desc, creating it on first use.
func (t *Tree) sourceLocked(desc remote.SourceDescription) *common.Source {
	if src, ok := t.sourceIndex[desc.ID]; ok {
		return src
	}
	src := &common.Source{
		Num: t.sourceSeq.Next(),
		FID: desc.ID,
		URL: strings.Replace(desc.About, memoriesHost, artifactsHost, 1),
	}
	if len(desc.Citations) > 0 {
		src.Citation = desc.Citations[0].Value
	}
	if len(desc.Titles) > 0 {
		src.Title = desc.Titles[0].Value
	}
	for _, n := range desc.Notes {
		if n.Text != "" {
			src.Notes = append(src.Notes, t.newNoteLocked(n.Text))
		}
	}
	t.sources = append(t.sources, src)
	t.sourceIndex[desc.ID] = src
	return src
}

func (t *Tree) addMemories(ctx context.Context, indi *common.Individual) error {
	var resp remote.SourcesResponse
	ok, err := t.client.Detail(ctx, remote.PersonMemories, indi.FID, &resp)
	if err != nil || !ok {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, desc := range resp.SourceDescriptions {
		if desc.MediaType == "text/plain" {
			texts := make([]string, 0, len(desc.Titles)+len(desc.Descriptions))
			for _, v := range slices.Concat(desc.Titles, desc.Descriptions) {
				texts = append(texts, v.Value)
			}
			indi.AddNote(t.newNoteLocked(strings.Join(texts, "\n")))
			continue
		}
		if desc.Links == nil {
			continue
		}
		mem := &common.Memory{URL: desc.About}
		if len(desc.Titles) > 0 {
			mem.Description = desc.Titles[0].Value
		}
		if len(desc.Descriptions) > 0 {
			if mem.Description != "" {
				mem.Description += "\n"
			}
			mem.Description += desc.Descriptions[0].Value
		}
		indi.Memories = append(indi.Memories, mem)
	}
	return nil
}

// addMarriage fetches the facts and sources of the couple relationship
// relID into fam.
func (t *Tree) addMarriage(ctx context.Context, fam *common.Family, relID string) error {
	var resp remote.CoupleResponse
	ok, err := t.client.Detail(ctx, remote.Couple, relID, &resp)
	if err != nil || !ok || len(resp.Relationships) == 0 {
		return err
	}
	rel := resp.Relationships[0]

	order := make([]string, 0, len(rel.Sources))
	quotes := make(map[string]string, len(rel.Sources))
	for _, ref := range rel.Sources {
		if _, dup := quotes[ref.DescriptionID]; !dup {
			order = append(order, ref.DescriptionID)
		}
		quotes[ref.DescriptionID] = changeMessage(ref.Attribution)
	}

	t.mu.Lock()
	for _, rec := range rel.Facts {
		if fact := t.newFactLocked(rec); fact != nil {
			fam.Facts = append(fam.Facts, fact)
		}
	}
	missing := make(map[string]struct{})
	for _, id := range order {
		if _, ok := t.sourceIndex[id]; !ok {
			missing[id] = struct{}{}
		}
	}
	t.mu.Unlock()

	var sources remote.SourcesResponse
	if len(missing) > 0 {
		if _, err := t.client.Detail(ctx, remote.CoupleSources, relID, &sources); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, desc := range sources.SourceDescriptions {
		if _, ok := missing[desc.ID]; ok {
			t.sourceLocked(desc)
		}
	}
	for _, id := range order {
		if src, ok := t.sourceIndex[id]; ok {
			fam.Sources = append(fam.Sources, common.SourceRef{Source: src, Quote: quotes[id]})
		}
	}
	return nil
}

// AddNotes fetches the notes of an individual.
func (t *Tree) AddNotes(ctx context.Context, fid string) error {
	indi, ok := t.Individual(fid)
	if !ok {
		return nil
	}
	var resp remote.NotesResponse
	found, err := t.client.Detail(ctx, remote.PersonNotes, fid, &resp)
	if err != nil || !found {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range resp.Notes() {
		if text := noteText(rec); text != "" {
			indi.AddNote(t.newNoteLocked(text))
		}
	}
	return nil
}

// AddFamilyNotes fetches the notes of a family's couple relationship.
func (t *Tree) AddFamilyNotes(ctx context.Context, fam *common.Family) error {
	relID := t.familyFID(fam)
	if relID == "" {
		return nil
	}
	var resp remote.NotesResponse
	found, err := t.client.Detail(ctx, remote.CoupleNotes, relID, &resp)
	if err != nil || !found {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range resp.Notes() {
		if text := noteText(rec); text != "" {
			fam.AddNote(t.newNoteLocked(text))
		}
	}
	return nil
}

// AddContributors links a note listing everyone who changed the individual.
func (t *Tree) AddContributors(ctx context.Context, fid string) error {
	indi, ok := t.Individual(fid)
	if !ok {
		return nil
	}
	note, err := t.contributorsNote(ctx, remote.PersonChanges, fid)
	if err != nil || note == nil {
		return err
	}
	t.mu.Lock()
	indi.AddNote(note)
	t.mu.Unlock()
	return nil
}

// AddFamilyContributors links a note listing everyone who changed the
// family's couple relationship.
func (t *Tree) AddFamilyContributors(ctx context.Context, fam *common.Family) error {
	relID := t.familyFID(fam)
	if relID == "" {
		return nil
	}
	note, err := t.contributorsNote(ctx, remote.CoupleChanges, relID)
	if err != nil || note == nil {
		return err
	}
	t.mu.Lock()
	fam.AddNote(note)
	t.mu.Unlock()
	return nil
}

func (t *Tree) contributorsNote(ctx context.Context, kind remote.DetailKind, id string) (*common.Note, error) {
	var resp remote.ChangesResponse
	found, err := t.client.Detail(ctx, kind, id, &resp)
	if err != nil || !found {
		return nil, err
	}
	names := make(map[string]struct{})
	for _, entry := range resp.Entries {
		for _, c := range entry.Contributors {
			names[c.Name] = struct{}{}
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	text := titled(contributorsTitle, strings.Join(sortedIDs(names), "\n"))

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sharedNoteLocked(text), nil
}

func (t *Tree) familyFID(fam *common.Family) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fam.FID
}

func noteText(rec remote.NoteRecord) string {
	var b strings.Builder
	if rec.Subject != "" {
		b.WriteString("=== " + rec.Subject + " ===\n")
	}
	if rec.Text != "" {
		b.WriteString(rec.Text + "\n")
	}
	return b.String()
}

func titled(title, body string) string {
	return "=== " + title + " ===\n" + body
}

func changeMessage(a *remote.Attribution) string {
	if a == nil {
		return ""
	}
	return a.ChangeMessage
}
