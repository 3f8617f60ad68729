package main

import (
	"encoding/json"

	"go-checkout-verifier/document/barcode"
	"go-checkout-verifier/document/mrz"
	"go-checkout-verifier/models"

	"github.com/jonboulle/clockwork"
)

// DocumentParser turns raw scanner input into a canonical identity
type DocumentParser interface {
	// ParseBarcode never fails; unknown or malformed fields stay empty
	ParseBarcode(tree json.RawMessage) models.CanonicalIdentity

	// ParseMrz returns nil when the lines are not a recognised MRZ
	ParseMrz(lines []string) *models.CanonicalIdentity
}

type DocumentParserImpl struct {
	clock clockwork.Clock
}

func NewDocumentParser(clock clockwork.Clock) DocumentParserImpl {
	return DocumentParserImpl{clock: clock}
}

func (p DocumentParserImpl) ParseBarcode(tree json.RawMessage) models.CanonicalIdentity {
	return barcode.NormalizeJSON(tree)
}

func (p DocumentParserImpl) ParseMrz(lines []string) *models.CanonicalIdentity {
	return mrz.ParseAt(lines, p.clock.Now())
}
