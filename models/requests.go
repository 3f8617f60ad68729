package models

import (
	"encoding/json"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type CreateSessionRequest struct {
	TransactionId string `json:"transaction_id"`
	RegisterId    string `json:"register_id"`
}

func (r *CreateSessionRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.TransactionId, validation.Required, validation.Length(1, 128)),
		validation.Field(&r.RegisterId, validation.Length(0, 64)),
	)
}

type SessionLogRequest struct {
	Message string   `json:"message"`
	Level   LogLevel `json:"level"`
}

func (r *SessionLogRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Message, validation.Required, validation.Length(1, 1000)),
		validation.Field(&r.Level, validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError)),
	)
}

// ScanRequest carries exactly one of a decoded barcode field tree or the raw
// MRZ text lines. Approved is optional; when omitted the age policy decides.
type ScanRequest struct {
	Barcode    json.RawMessage `json:"barcode,omitempty"`
	MrzLines   []string        `json:"mrz_lines,omitempty"`
	CustomerId string          `json:"customer_id"`
	RegisterId string          `json:"register_id"`
	Approved   *bool           `json:"approved,omitempty"`
	Reason     string          `json:"reason"`
}

func (r *ScanRequest) HasBarcode() bool {
	return len(r.Barcode) > 0 && string(r.Barcode) != "null"
}

func (r *ScanRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.MrzLines,
			validation.When(!r.HasBarcode(), validation.Required.Error("either barcode or mrz_lines is required")),
			validation.When(r.HasBarcode(), validation.Empty.Error("barcode and mrz_lines cannot be combined")),
			validation.Length(0, 10),
			validation.Each(validation.Length(0, 200)),
		),
		validation.Field(&r.CustomerId, validation.Length(0, 128)),
		validation.Field(&r.RegisterId, validation.Length(0, 64)),
		validation.Field(&r.Reason, validation.Length(0, 200)),
	)
}

type SessionResultRequest struct {
	Approved     bool               `json:"approved"`
	CustomerId   string             `json:"customer_id"`
	CustomerName string             `json:"customer_name"`
	Age          *int               `json:"age"`
	Reason       string             `json:"reason"`
	RegisterId   string             `json:"register_id"`
	Identity     *CanonicalIdentity `json:"identity,omitempty"`
}

func (r *SessionResultRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.CustomerId, validation.Length(0, 128)),
		validation.Field(&r.CustomerName, validation.Length(0, 200)),
		validation.Field(&r.Age, validation.Min(0), validation.Max(150)),
		validation.Field(&r.Reason, validation.When(!r.Approved, validation.Required.Error("a reason is required when rejecting")), validation.Length(0, 200)),
		validation.Field(&r.RegisterId, validation.Length(0, 64)),
	)
}

type ScanResponse struct {
	Identity CanonicalIdentity   `json:"identity"`
	Session  VerificationSession `json:"session"`
}

type CompleteResponse struct {
	TransactionId string        `json:"transaction_id"`
	Status        SessionStatus `json:"status"`
	RecordId      string        `json:"record_id"`
	Receipt       string        `json:"receipt"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
