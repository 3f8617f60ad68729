package document

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const DATE_FORMAT_ISO = "2006-01-02"
const DATE_FORMAT_US = "01/02/2006"

var isoDatePattern = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)

func BoolToYesNo(value bool) string {
	if value {
		return "Yes"
	}
	return "No"
}

// BirthDate is a successfully interpreted date of birth.
type BirthDate struct {
	Age       int
	ISO       string // YYYY-MM-DD
	Formatted string // MM/DD/YYYY
}

// ParseBirthDate interprets a raw date of birth as found on identity documents.
// Accepted forms are ISO (YYYY-MM-DD) and eight digits, optionally separated,
// in either MMDDYYYY or YYYYMMDD order. The order is detected by looking at the
// first two digits: anything above 12 cannot be a month, so it must be a year.
// Returns nil when the input cannot be interpreted.
func ParseBirthDate(raw string, now time.Time) *BirthDate {
	year, month, day, ok := splitBirthDate(strings.TrimSpace(raw))
	if !ok {
		return nil
	}

	dob := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// time.Date rolls over impossible dates like 02/31, reject those
	if dob.Year() != year || int(dob.Month()) != month || dob.Day() != day {
		return nil
	}

	age := now.Year() - year
	if now.Month() < time.Month(month) || (now.Month() == time.Month(month) && now.Day() < day) {
		age--
	}
	if age < 0 {
		return nil
	}

	return &BirthDate{
		Age:       age,
		ISO:       dob.Format(DATE_FORMAT_ISO),
		Formatted: dob.Format(DATE_FORMAT_US),
	}
}

// CalculateAge returns the age in whole years for a raw date of birth,
// or nil when the date cannot be interpreted.
func CalculateAge(raw string, now time.Time) *int {
	dob := ParseBirthDate(raw, now)
	if dob == nil {
		return nil
	}
	age := dob.Age
	return &age
}

func splitBirthDate(raw string) (year, month, day int, ok bool) {
	if m := isoDatePattern.FindStringSubmatch(raw); m != nil {
		year, _ = strconv.Atoi(m[1])
		month, _ = strconv.Atoi(m[2])
		day, _ = strconv.Atoi(m[3])
		return year, month, day, validMonthDay(month, day)
	}

	digits := onlyDigits(raw)
	if len(digits) != 8 {
		return 0, 0, 0, false
	}
	return splitEightDigits(digits)
}

// splitEightDigits handles both MMDDYYYY and YYYYMMDD.
func splitEightDigits(digits string) (year, month, day int, ok bool) {
	lead, _ := strconv.Atoi(digits[0:2])
	if lead > 12 {
		year, _ = strconv.Atoi(digits[0:4])
		month, _ = strconv.Atoi(digits[4:6])
		day, _ = strconv.Atoi(digits[6:8])
	} else {
		month, _ = strconv.Atoi(digits[0:2])
		day, _ = strconv.Atoi(digits[2:4])
		year, _ = strconv.Atoi(digits[4:8])
	}
	return year, month, day, validMonthDay(month, day)
}

// NormalizeDate turns a loosely formatted date into YYYY-MM-DD. It accepts
// three separated numeric parts (YYYY-MM-DD, YYYY/MM/DD, MM/DD/YYYY, M/D/YYYY)
// or an eight digit string. Anything else, or a month/day out of range,
// results in an empty string.
func NormalizeDate(raw string) string {
	parts := strings.FieldsFunc(strings.TrimSpace(raw), func(r rune) bool {
		return !unicode.IsDigit(r)
	})

	var year, month, day int
	var ok bool
	switch {
	case len(parts) == 3 && len(parts[0]) == 4:
		year, _ = strconv.Atoi(parts[0])
		month, _ = strconv.Atoi(parts[1])
		day, _ = strconv.Atoi(parts[2])
		ok = len(parts[1]) <= 2 && len(parts[2]) <= 2
	case len(parts) == 3 && len(parts[2]) == 4:
		month, _ = strconv.Atoi(parts[0])
		day, _ = strconv.Atoi(parts[1])
		year, _ = strconv.Atoi(parts[2])
		ok = len(parts[0]) <= 2 && len(parts[1]) <= 2
	case len(parts) == 1 && len(parts[0]) == 8:
		year, month, day, ok = splitEightDigits(parts[0])
	}

	if !ok || !validMonthDay(month, day) {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}

// DecodeMrzDate converts a YYMMDD machine readable zone date to YYYY-MM-DD.
//
// MRZ dates only carry two year digits. Years above the current two digit
// year are placed in the 1900s, everything else in the 2000s. This keeps
// birth dates of people up to roughly a hundred years old correct, but it
// is an approximation: an expiry date later than the current year is also
// placed in the 1900s.
func DecodeMrzDate(raw string, now time.Time) string {
	if len(raw) != 6 || len(onlyDigits(raw)) != 6 {
		return ""
	}
	yy, _ := strconv.Atoi(raw[0:2])
	month, _ := strconv.Atoi(raw[2:4])
	day, _ := strconv.Atoi(raw[4:6])
	if !validMonthDay(month, day) {
		return ""
	}

	century := 2000
	if yy > now.Year()%100 {
		century = 1900
	}
	return fmt.Sprintf("%04d-%02d-%02d", century+yy, month, day)
}

// NormalizeSex maps the many spellings found on documents to M, F, X or "".
func NormalizeSex(raw string) string {
	value := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case value == "M" || value == "MALE":
		return "M"
	case value == "F" || value == "FEMALE":
		return "F"
	case value == "X" || strings.HasPrefix(value, "NON"):
		return "X"
	}
	return ""
}

func validMonthDay(month, day int) bool {
	return month >= 1 && month <= 12 && day >= 1 && day <= 31
}

func onlyDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
