package document

import (
	"strings"
	"unicode"

	"go-checkout-verifier/models"
)

// Field identifies a slot of the canonical identity that a document parser
// can fill in.
type Field int

const (
	FieldFirstName Field = iota
	FieldLastName
	FieldMiddleName
	FieldDateOfBirth
	FieldDocumentNumber
	FieldLicenseNumber
	FieldIssuingCountry
	FieldNationality
	FieldDocumentExpiry
	FieldSex
)

var fieldNames = map[Field]string{
	FieldFirstName:      "firstName",
	FieldLastName:       "lastName",
	FieldMiddleName:     "middleName",
	FieldDateOfBirth:    "dateOfBirth",
	FieldDocumentNumber: "documentNumber",
	FieldLicenseNumber:  "licenseNumber",
	FieldIssuingCountry: "issuingCountry",
	FieldNationality:    "nationality",
	FieldDocumentExpiry: "documentExpiry",
	FieldSex:            "sex",
}

func (f Field) String() string {
	if name, ok := fieldNames[f]; ok {
		return name
	}
	return "unknown"
}

// RawFields holds the untreated values a parser extracted from a document.
type RawFields map[Field]string

// Canonicalize is the normalization step shared by every document parser.
// It never fails; fields that cannot be interpreted are left empty.
func Canonicalize(raw RawFields, documentType models.DocumentType, source models.Source) models.CanonicalIdentity {
	documentNumber := compactUpper(raw[FieldDocumentNumber])
	licenseNumber := compactUpper(raw[FieldLicenseNumber])
	if documentNumber == "" {
		documentNumber = licenseNumber
	}
	if documentType == models.DocumentTypeDriversLicense {
		licenseNumber = documentNumber
	}

	issuingCountry := strings.ToUpper(strings.TrimSpace(raw[FieldIssuingCountry]))
	nationality := strings.ToUpper(strings.TrimSpace(raw[FieldNationality]))
	if nationality == "" {
		nationality = issuingCountry
	}

	return models.CanonicalIdentity{
		FirstName:      collapseSpaces(raw[FieldFirstName]),
		LastName:       collapseSpaces(raw[FieldLastName]),
		MiddleName:     collapseSpaces(raw[FieldMiddleName]),
		DateOfBirth:    models.IsoDate(NormalizeDate(raw[FieldDateOfBirth])),
		DocumentType:   documentType,
		DocumentNumber: documentNumber,
		LicenseNumber:  licenseNumber,
		IssuingCountry: issuingCountry,
		Nationality:    nationality,
		DocumentExpiry: models.IsoDate(NormalizeDate(raw[FieldDocumentExpiry])),
		Sex:            NormalizeSex(raw[FieldSex]),
		Source:         source,
	}
}

func compactUpper(s string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s))
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
