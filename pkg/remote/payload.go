package remote

import "encoding/json"

// PersonsResponse is the body of a person batch request.
type PersonsResponse struct {
	Persons                      []Person          `json:"persons"`
	Places                       []Place           `json:"places,omitempty"`
	ChildAndParentsRelationships []ChildAndParents `json:"childAndParentsRelationships,omitempty"`
	Relationships                []Relationship    `json:"relationships,omitempty"`
}

// Person is one person record of a batch. Sources and Evidence only signal
// that the matching detail resources exist.
type Person struct {
	ID       string            `json:"id"`
	Living   bool              `json:"living"`
	Names    []NameRecord      `json:"names,omitempty"`
	Gender   *TypedValue       `json:"gender,omitempty"`
	Facts    []FactRecord      `json:"facts,omitempty"`
	Sources  []json.RawMessage `json:"sources,omitempty"`
	Evidence []json.RawMessage `json:"evidence,omitempty"`
}

type TypedValue struct {
	Type string `json:"type"`
}

type TextValue struct {
	Value string `json:"value"`
}

type Attribution struct {
	ChangeMessage string `json:"changeMessage,omitempty"`
}

type NameRecord struct {
	Type        string       `json:"type,omitempty"`
	Preferred   bool         `json:"preferred"`
	NameForms   []NameForm   `json:"nameForms,omitempty"`
	Attribution *Attribution `json:"attribution,omitempty"`
}

type NameForm struct {
	Parts []NamePart `json:"parts,omitempty"`
}

type NamePart struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type FactRecord struct {
	Type        string          `json:"type"`
	Value       string          `json:"value,omitempty"`
	Date        *DateRecord     `json:"date,omitempty"`
	Place       *PlaceReference `json:"place,omitempty"`
	Attribution *Attribution    `json:"attribution,omitempty"`
}

type DateRecord struct {
	Original string `json:"original"`
}

type PlaceReference struct {
	Original    string `json:"original"`
	Description string `json:"description,omitempty"`
}

// Place is a place description. Coordinates stay in their literal form.
type Place struct {
	ID        string      `json:"id"`
	Latitude  json.Number `json:"latitude"`
	Longitude json.Number `json:"longitude"`
}

type ResourceReference struct {
	ResourceID string `json:"resourceId"`
}

// ID returns the referenced id, or "" for a nil reference.
func (r *ResourceReference) ID() string {
	if r == nil {
		return ""
	}
	return r.ResourceID
}

type ChildAndParents struct {
	Parent1 *ResourceReference `json:"parent1,omitempty"`
	Parent2 *ResourceReference `json:"parent2,omitempty"`
	Child   *ResourceReference `json:"child,omitempty"`
}

// RelationshipCouple is the type of couple relationships.
const RelationshipCouple = "http://gedcomx.org/Couple"

type Relationship struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Person1 *ResourceReference `json:"person1,omitempty"`
	Person2 *ResourceReference `json:"person2,omitempty"`
}

// SourceReference links a person or couple to a source description.
type SourceReference struct {
	DescriptionID string       `json:"descriptionId"`
	Attribution   *Attribution `json:"attribution,omitempty"`
}

// SourceDescription is shared by source and memory listings.
type SourceDescription struct {
	ID           string                     `json:"id"`
	About        string                     `json:"about,omitempty"`
	MediaType    string                     `json:"mediaType,omitempty"`
	Citations    []TextValue                `json:"citations,omitempty"`
	Titles       []TextValue                `json:"titles,omitempty"`
	Descriptions []TextValue                `json:"descriptions,omitempty"`
	Notes        []NoteRecord               `json:"notes,omitempty"`
	Links        map[string]json.RawMessage `json:"links,omitempty"`
}

type NoteRecord struct {
	Subject string `json:"subject,omitempty"`
	Text    string `json:"text,omitempty"`
}

// SourcesResponse answers PersonSources, CoupleSources and PersonMemories.
type SourcesResponse struct {
	Persons []struct {
		Sources []SourceReference `json:"sources"`
	} `json:"persons,omitempty"`
	SourceDescriptions []SourceDescription `json:"sourceDescriptions"`
}

// NotesResponse answers PersonNotes and CoupleNotes.
type NotesResponse struct {
	Persons []struct {
		Notes []NoteRecord `json:"notes"`
	} `json:"persons,omitempty"`
	Relationships []struct {
		Notes []NoteRecord `json:"notes"`
	} `json:"relationships,omitempty"`
}

// Notes returns the notes of the first person or relationship.
func (r *NotesResponse) Notes() []NoteRecord {
	if len(r.Persons) > 0 {
		return r.Persons[0].Notes
	}
	if len(r.Relationships) > 0 {
		return r.Relationships[0].Notes
	}
	return nil
}

// ChangesResponse answers PersonChanges and CoupleChanges.
type ChangesResponse struct {
	Entries []struct {
		Contributors []struct {
			Name string `json:"name"`
		} `json:"contributors"`
	} `json:"entries"`
}

// CoupleResponse answers Couple.
type CoupleResponse struct {
	Relationships []struct {
		Facts   []FactRecord      `json:"facts,omitempty"`
		Sources []SourceReference `json:"sources,omitempty"`
	} `json:"relationships"`
}

// OrdinancesResponse answers PersonOrdinances.
type OrdinancesResponse struct {
	Status string         `json:"status,omitempty"`
	Data   OrdinancesData `json:"data"`
}

type OrdinancesData struct {
	Baptism           *OrdinanceRecord  `json:"baptism,omitempty"`
	Confirmation      *OrdinanceRecord  `json:"confirmation,omitempty"`
	Initiatory        *OrdinanceRecord  `json:"initiatory,omitempty"`
	Endowment         *OrdinanceRecord  `json:"endowment,omitempty"`
	SealingsToParents []OrdinanceRecord `json:"sealingsToParents,omitempty"`
	SealingsToSpouses []OrdinanceRecord `json:"sealingsToSpouses,omitempty"`
}

type OrdinanceRecord struct {
	Status          string `json:"status"`
	CompletedDate   string `json:"completedDate,omitempty"`
	CompletedTemple *struct {
		Code string `json:"code"`
	} `json:"completedTemple,omitempty"`
	Relationships *struct {
		Parent1ID string `json:"parent1Id,omitempty"`
		Parent2ID string `json:"parent2Id,omitempty"`
		SpouseID  string `json:"spouseId,omitempty"`
	} `json:"relationships,omitempty"`
}

// CurrentUserResponse answers the current user request.
type CurrentUserResponse struct {
	Users []User `json:"users"`
}
