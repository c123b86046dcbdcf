package common

import (
	"net/url"
	"strings"
)

// Fact type URIs that need special handling.
const (
	FactDeath      = "http://gedcomx.org/Death"
	FactLifeSketch = "http://familysearch.org/v1/LifeSketch"
)

// FactTags maps the fact types that have a native GEDCOM tag to that tag.
var FactTags = map[string]string{
	"http://gedcomx.org/Birth":                   "BIRT",
	"http://gedcomx.org/Christening":             "CHR",
	"http://gedcomx.org/Death":                   "DEAT",
	"http://gedcomx.org/Burial":                  "BURI",
	"http://gedcomx.org/PhysicalDescription":     "DSCR",
	"http://gedcomx.org/Occupation":              "OCCU",
	"http://gedcomx.org/MilitaryService":         "_MILT",
	"http://gedcomx.org/Marriage":                "MARR",
	"http://gedcomx.org/Divorce":                 "DIV",
	"http://gedcomx.org/Annulment":               "ANUL",
	"http://gedcomx.org/CommonLawMarriage":       "_COML",
	"http://gedcomx.org/BarMitzvah":              "BARM",
	"http://gedcomx.org/BatMitzvah":              "BASM",
	"http://gedcomx.org/Naturalization":          "NATU",
	"http://gedcomx.org/Residence":               "RESI",
	"http://gedcomx.org/Religion":                "RELI",
	"http://familysearch.org/v1/TitleOfNobility": "TITL",
	"http://gedcomx.org/Cremation":               "CREM",
	"http://gedcomx.org/Caste":                   "CAST",
	"http://gedcomx.org/Nationality":             "NATI",
}

// FactEvents maps fact types without a GEDCOM tag to the label of the
// custom event they are written as.
var FactEvents = map[string]string{
	"http://gedcomx.org/Stillbirth":          "Stillborn",
	"http://familysearch.org/v1/Affiliation": "Affiliation",
	"http://gedcomx.org/Clan":                "Clan Name",
	"http://gedcomx.org/NationalId":          "National Identification",
	"http://gedcomx.org/Ethnicity":           "Race",
	"http://familysearch.org/v1/TribeName":   "Tribe Name",
}

var factTypes = invert(FactTags)

// FactTag returns the GEDCOM tag of a fact type.
func FactTag(factType string) (string, bool) {
	tag, ok := FactTags[factType]
	return tag, ok
}

// FactTypeForTag returns the fact type written with the GEDCOM tag.
func FactTypeForTag(tag string) (string, bool) {
	t, ok := factTypes[tag]
	return t, ok
}

// NormalizeFactType maps a remote fact type to the type stored on a Fact.
// Custom event types become their label, "data:," types are percent-decoded
// and unknown types are rejected.
func NormalizeFactType(raw string) (string, bool) {
	if label, ok := FactEvents[raw]; ok {
		return label, true
	}
	if rest, ok := strings.CutPrefix(raw, "data:,"); ok {
		decoded, err := url.PathUnescape(rest)
		if err != nil {
			return rest, rest != ""
		}
		return decoded, decoded != ""
	}
	if _, ok := FactTags[raw]; ok {
		return raw, true
	}
	return "", false
}

// NameKind is the bucket a non preferred name is sorted into.
type NameKind int

const (
	NameOther NameKind = iota
	NameNickname
	NameBirth
	NameAlsoKnownAs
	NameMarried
)

var nameKinds = map[string]NameKind{
	"http://gedcomx.org/Nickname":    NameNickname,
	"http://gedcomx.org/BirthName":   NameBirth,
	"http://gedcomx.org/AlsoKnownAs": NameAlsoKnownAs,
	"http://gedcomx.org/MarriedName": NameMarried,
}

// ClassifyName returns the bucket of a name type URI.
func ClassifyName(nameType string) NameKind {
	return nameKinds[nameType]
}

// Name part type URIs.
const (
	NamePartGiven   = "http://gedcomx.org/Given"
	NamePartSurname = "http://gedcomx.org/Surname"
	NamePartPrefix  = "http://gedcomx.org/Prefix"
	NamePartSuffix  = "http://gedcomx.org/Suffix"
)

var genders = map[string]Gender{
	"http://gedcomx.org/Male":    GenderMale,
	"http://gedcomx.org/Female":  GenderFemale,
	"http://gedcomx.org/Unknown": GenderUnknown,
}

// GenderFromType maps a gender type URI. Unknown URIs leave the gender unset.
func GenderFromType(genderType string) Gender {
	return genders[genderType]
}

var ordinanceStatuses = map[string]string{
	"Ready":                "QUALIFIED",
	"Completed":            "COMPLETED",
	"Cancelled":            "CANCELED",
	"InProgressPrinted":    "SUBMITTED",
	"InProgressNotPrinted": "SUBMITTED",
	"NotNeeded":            "INFANT",
}

var ordinanceStatusTags = map[string]string{
	"QUALIFIED": "Ready",
	"COMPLETED": "Completed",
	"CANCELED":  "Cancelled",
	"SUBMITTED": "InProgressNotPrinted",
	"INFANT":    "NotNeeded",
}

// OrdinanceStatusTag returns the GEDCOM STAT value of a remote status.
func OrdinanceStatusTag(status string) (string, bool) {
	tag, ok := ordinanceStatuses[status]
	return tag, ok
}

// OrdinanceStatusFromTag returns the remote status of a GEDCOM STAT value.
// SUBMITTED is ambiguous and decodes to InProgressNotPrinted.
func OrdinanceStatusFromTag(tag string) (string, bool) {
	status, ok := ordinanceStatusTags[tag]
	return status, ok
}

func invert(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}
