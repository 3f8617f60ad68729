// Package mrz reads the machine readable zone printed on passports (TD3) and
// ID cards (TD1) into a canonical identity. Check digits are not verified.
package mrz

import (
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"

	"go-checkout-verifier/document"
	"go-checkout-verifier/models"
)

const (
	minLineLength = 30
	td3MinLength  = 40
	filler        = "<"
	unknownSex    = "U"
)

var disallowedChars = regexp.MustCompile(`[^A-Z0-9<]`)

type Format string

const (
	FormatTD1 Format = "TD1"
	FormatTD3 Format = "TD3"
)

// Parse reads MRZ text lines relative to the current time.
func Parse(lines []string) *models.CanonicalIdentity {
	return ParseAt(lines, time.Now())
}

// ParseAt reads MRZ text lines. The two digit years in the zone are expanded
// relative to now. It returns nil when the lines do not form a recognized
// layout, so the caller can fall back to manual entry.
func ParseAt(lines []string, now time.Time) *models.CanonicalIdentity {
	cleaned := CleanLines(lines)

	var identity models.CanonicalIdentity
	switch DetectFormat(cleaned) {
	case FormatTD3:
		identity = parseTD3(cleaned[0], cleaned[1], now)
	case FormatTD1:
		identity = parseTD1(cleaned[0], cleaned[1], cleaned[2], now)
	default:
		slog.Debug("MRZ text not recognized", "lines", len(lines), "usable_lines", len(cleaned))
		return nil
	}
	return &identity
}

// CleanLines strips whitespace and every character that cannot appear in a
// machine readable zone. Lines that end up shorter than 30 characters are
// partial captures and are dropped.
func CleanLines(lines []string) []string {
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Map(func(r rune) rune {
			if unicode.IsSpace(r) {
				return -1
			}
			return r
		}, line)
		line = disallowedChars.ReplaceAllString(strings.ToUpper(line), "")
		if len(line) < minLineLength {
			continue
		}
		cleaned = append(cleaned, line)
	}
	return cleaned
}

// DetectFormat returns the layout of already cleaned lines, or "" when
// there is none.
func DetectFormat(cleaned []string) Format {
	switch {
	case len(cleaned) == 2 && len(cleaned[0]) >= td3MinLength && len(cleaned[1]) >= td3MinLength:
		return FormatTD3
	case len(cleaned) >= 3 && len(cleaned[0]) >= minLineLength && len(cleaned[1]) >= minLineLength:
		return FormatTD1
	}
	return ""
}

// parseTD3 reads the two 44 character lines of a passport.
func parseTD3(line1, line2 string, now time.Time) models.CanonicalIdentity {
	lastName, firstName, middleName := splitName(line1[5:])

	raw := document.RawFields{
		document.FieldIssuingCountry: code(line1[2:5]),
		document.FieldLastName:       lastName,
		document.FieldFirstName:      firstName,
		document.FieldMiddleName:     middleName,
		document.FieldDocumentNumber: code(line2[0:9]),
		document.FieldNationality:    code(line2[10:13]),
		document.FieldDateOfBirth:    document.DecodeMrzDate(line2[13:19], now),
		document.FieldSex:            sex(line2[20:21]),
		document.FieldDocumentExpiry: document.DecodeMrzDate(line2[21:27], now),
	}
	return document.Canonicalize(raw, models.DocumentTypePassport, models.SourceMrz)
}

// parseTD1 reads the three 30 character lines of an ID card.
func parseTD1(line1, line2, line3 string, now time.Time) models.CanonicalIdentity {
	lastName, firstName, middleName := splitName(line3)

	raw := document.RawFields{
		document.FieldIssuingCountry: code(line1[2:5]),
		document.FieldDocumentNumber: code(line1[5:14]),
		document.FieldLastName:       lastName,
		document.FieldFirstName:      firstName,
		document.FieldMiddleName:     middleName,
		document.FieldDateOfBirth:    document.DecodeMrzDate(line2[0:6], now),
		document.FieldSex:            sex(line2[7:8]),
		document.FieldDocumentExpiry: document.DecodeMrzDate(line2[8:14], now),
		document.FieldNationality:    code(line2[15:18]),
	}
	return document.Canonicalize(raw, models.DocumentTypeMrzId, models.SourceMrz)
}

// splitName splits a name block like DOE<<JOHN<PAUL<<<< into the surname
// and the first and remaining given names.
func splitName(block string) (surname, first, middle string) {
	parts := strings.SplitN(block, "<<", 2)
	surname = fillerToSpace(parts[0])
	if len(parts) < 2 {
		return surname, "", ""
	}

	var given []string
	for _, segment := range strings.Split(parts[1], filler) {
		if segment != "" {
			given = append(given, segment)
		}
	}
	if len(given) == 0 {
		return surname, "", ""
	}
	return surname, given[0], strings.Join(given[1:], " ")
}

func fillerToSpace(s string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(s, filler, " ")), " ")
}

func code(s string) string {
	return strings.ReplaceAll(s, filler, "")
}

func sex(s string) string {
	if s == filler {
		return unknownSex
	}
	return s
}
