package models

import (
	"encoding/json"
)

type DocumentType string

const (
	DocumentTypeDriversLicense DocumentType = "drivers_license"
	DocumentTypePassport       DocumentType = "passport"
	DocumentTypeMrzId          DocumentType = "mrz_id"
	DocumentTypeManual         DocumentType = "manual"
)

type Source string

const (
	SourcePdf417 Source = "pdf417"
	SourceMrz    Source = "mrz"
	SourceManual Source = "manual"
)

// IsoDate holds a calendar date as YYYY-MM-DD. The empty value means
// "unknown" and is written to JSON as null.
type IsoDate string

func (d IsoDate) MarshalJSON() ([]byte, error) {
	if d == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(d))
}

func (d *IsoDate) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*d = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*d = IsoDate(s)
	return nil
}

// CanonicalIdentity is the normalized result of scanning an identity document,
// regardless of whether it came from a barcode or a machine readable zone.
type CanonicalIdentity struct {
	FirstName      string       `json:"firstName"`
	LastName       string       `json:"lastName"`
	MiddleName     string       `json:"middleName"`
	DateOfBirth    IsoDate      `json:"dateOfBirth"`
	DocumentType   DocumentType `json:"documentType"`
	DocumentNumber string       `json:"documentNumber"`
	LicenseNumber  string       `json:"licenseNumber,omitempty"`
	IssuingCountry string       `json:"issuingCountry"`
	Nationality    string       `json:"nationality"`
	DocumentExpiry IsoDate      `json:"documentExpiry"`
	Sex            string       `json:"sex"` // "M", "F", "X" or empty
	Source         Source       `json:"source"`
}

// FullName joins the non-empty name parts in display order.
func (c CanonicalIdentity) FullName() string {
	name := ""
	for _, part := range []string{c.FirstName, c.MiddleName, c.LastName} {
		if part == "" {
			continue
		}
		if name != "" {
			name += " "
		}
		name += part
	}
	return name
}
