// Package barcode flattens the field tree a scanning SDK produces for a
// driving licence PDF417 barcode into a canonical identity.
package barcode

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"go-checkout-verifier/document"
	"go-checkout-verifier/models"

	"golang.org/x/text/encoding/charmap"
)

// Node is one element of a decoded barcode. A node either carries a named
// value, a list of children, or both.
type Node struct {
	Name     string `json:"name,omitempty"`
	Value    string `json:"value,omitempty"`
	Children []Node `json:"children,omitempty"`
}

// synonymGroups maps every canonical field to the names scanning SDKs use
// for it. Names are matched case-insensitively. The three letter entries
// are AAMVA element ids.
var synonymGroups = map[document.Field][]string{
	document.FieldFirstName: {
		"givenname", "given_name", "givennames", "given_names", "firstname", "first_name", "dac", "dct",
	},
	document.FieldLastName: {
		"familyname", "family_name", "lastname", "last_name", "surname", "dcs",
	},
	document.FieldMiddleName: {
		"middlename", "middle_name", "middlenames", "middle_names", "dad",
	},
	document.FieldDateOfBirth: {
		"dateofbirth", "date_of_birth", "birthdate", "birth_date", "dob", "dbb",
	},
	document.FieldDocumentNumber: {
		"documentnumber", "document_number", "docnumber", "idnumber", "id_number",
	},
	document.FieldLicenseNumber: {
		"licensenumber", "license_number", "licencenumber", "licence_number", "driverlicensenumber",
		"dlnumber", "customerid", "customer_id", "daq",
	},
	document.FieldIssuingCountry: {
		"issuingcountry", "issuing_country", "country", "countrycode", "country_code", "dcg",
	},
	document.FieldNationality: {
		"nationality",
	},
	document.FieldDocumentExpiry: {
		"expirationdate", "expiration_date", "expirydate", "expiry_date", "dateofexpiry", "date_of_expiry",
		"expires", "dba",
	},
	document.FieldSex: {
		"sex", "gender", "dbc",
	},
}

var synonyms = buildSynonymIndex(synonymGroups)

func buildSynonymIndex(groups map[document.Field][]string) map[string]document.Field {
	index := make(map[string]document.Field)
	for field, names := range groups {
		for _, name := range names {
			index[name] = field
		}
	}
	return index
}

// AAMVA encodes sex as a digit.
var aamvaSex = map[string]string{
	"1": "M",
	"2": "F",
	"9": "X",
}

// Normalize walks the tree depth first and maps every recognised leaf onto
// the canonical identity. When several leaves map to the same field the
// last one visited wins. Unknown names and empty values are ignored.
func Normalize(root Node) models.CanonicalIdentity {
	raw := document.RawFields{}
	collect(root, raw)

	if sex, ok := aamvaSex[strings.TrimSpace(raw[document.FieldSex])]; ok {
		raw[document.FieldSex] = sex
	}
	return document.Canonicalize(raw, models.DocumentTypeDriversLicense, models.SourcePdf417)
}

// NormalizeJSON decodes a field tree and normalizes it. Malformed input
// results in an identity without fields.
func NormalizeJSON(data []byte) models.CanonicalIdentity {
	return Normalize(DecodeTree(data))
}

// DecodeTree decodes a JSON field tree. Parts of the document that do not
// look like nodes are skipped.
func DecodeTree(data []byte) Node {
	var root Node
	if err := json.Unmarshal(data, &root); err != nil {
		slog.Warn("Failed to decode barcode field tree", "error", err)
		return Node{}
	}
	return root
}

func collect(node Node, raw document.RawFields) {
	value := text(node.Value)
	if value != "" {
		if field, ok := synonyms[strings.ToLower(strings.TrimSpace(node.Name))]; ok {
			raw[field] = value
		}
	}
	for _, child := range node.Children {
		collect(child, raw)
	}
}

// text trims a value and decodes it as ISO-8859-1 when it is not UTF-8.
func text(value string) string {
	if !utf8.ValidString(value) {
		decoded, err := charmap.ISO8859_1.NewDecoder().String(value)
		if err != nil {
			return ""
		}
		value = decoded
	}
	return strings.TrimSpace(value)
}

// UnmarshalJSON accepts either a list of children or an object with a name,
// a value and children under "children" or "fields".
func (n *Node) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		n.Children = decodeChildren(items)
	case '{':
		var object map[string]json.RawMessage
		if err := json.Unmarshal(data, &object); err != nil {
			return err
		}
		n.decodeObject(object)
	}
	return nil
}

func (n *Node) decodeObject(object map[string]json.RawMessage) {
	keys := make(map[string]json.RawMessage, len(object))
	for key, raw := range object {
		keys[strings.ToLower(key)] = raw
	}

	var name string
	if json.Unmarshal(keys["name"], &name) == nil {
		n.Name = name
	}
	n.Value = scalar(keys["value"])
	for _, key := range []string{"children", "fields"} {
		var items []json.RawMessage
		if json.Unmarshal(keys[key], &items) == nil {
			n.Children = append(n.Children, decodeChildren(items)...)
		}
	}
}

func decodeChildren(items []json.RawMessage) []Node {
	children := make([]Node, 0, len(items))
	for _, item := range items {
		var child Node
		if err := json.Unmarshal(item, &child); err != nil {
			slog.Debug("Skipping malformed barcode node", "error", err)
			continue
		}
		children = append(children, child)
	}
	return children
}

// scalar renders a JSON value as text. null, false, zero and the empty
// string are treated as absent.
func scalar(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}

	switch raw[0] {
	case '"':
		// encoding/json would replace latin-1 bytes with U+FFFD
		if !utf8.Valid(raw) {
			decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
			if err != nil {
				return ""
			}
			raw = decoded
		}
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return ""
		}
		return s
	case 't':
		return "true"
	case 'f', 'n', '[', '{':
		return ""
	}

	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || f == 0 {
		return ""
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
