// Package remote defines the port through which the record graph is pulled
// from a remote family tree service, together with the payloads it returns.
package remote

import (
	"context"
	"errors"
	"regexp"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

var (
	// ErrForbidden is returned when the account is not entitled to a
	// resource class, e.g. ordinance data without a member account.
	ErrForbidden = errors.New("remote: access to resource class forbidden")
	// ErrAuthRejected is returned when the service rejects the credentials.
	ErrAuthRejected = errors.New("remote: authentication rejected")
)

// DetailKind selects a per-entity detail resource.
type DetailKind int

const (
	PersonSources DetailKind = iota
	PersonMemories
	PersonNotes
	PersonChanges
	PersonOrdinances
	Couple
	CoupleSources
	CoupleNotes
	CoupleChanges
)

var detailNames = [...]string{
	PersonSources:    "person_sources",
	PersonMemories:   "person_memories",
	PersonNotes:      "person_notes",
	PersonChanges:    "person_changes",
	PersonOrdinances: "person_ordinances",
	Couple:           "couple",
	CoupleSources:    "couple_sources",
	CoupleNotes:      "couple_notes",
	CoupleChanges:    "couple_changes",
}

func (k DetailKind) String() string {
	if k < 0 || int(k) >= len(detailNames) {
		return "unknown"
	}
	return detailNames[k]
}

// Client is the data source port.
//
// Both methods report a tri-state result: data, no data (nil response or
// false with a nil error) or a hard failure. Transient network failures and
// session expiry are handled inside the implementation and never surface
// here unless the context ends.
type Client interface {
	// Persons fetches one batch of persons together with the places and
	// relationships returned alongside them.
	Persons(ctx context.Context, ids []string) (*PersonsResponse, error)
	// Detail decodes the detail resource of kind for id into out.
	Detail(ctx context.Context, kind DetailKind, id string, out any) (bool, error)
}

// User is the account the session is authenticated as.
type User struct {
	PersonID    string `json:"personId"`
	Lang        string `json:"preferredLanguage"`
	DisplayName string `json:"displayName"`
}

// LanguageName returns the English name of the user's preferred language,
// or the raw code when it is not a known language tag.
func (u User) LanguageName() string {
	if u.Lang == "" {
		return ""
	}
	tag, err := language.Parse(u.Lang)
	if err != nil {
		return u.Lang
	}
	name := display.English.Languages().Name(tag)
	if name == "" {
		return u.Lang
	}
	return name
}

var personIDPattern = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{3}$`)

// ValidPersonID reports whether id has the shape of a tree person id.
func ValidPersonID(id string) bool {
	return personIDPattern.MatchString(id)
}
