package models

import "time"

type SessionStatus string

const (
	SessionStatusPending  SessionStatus = "pending"
	SessionStatusApproved SessionStatus = "approved"
	SessionStatusRejected SessionStatus = "rejected"
)

func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusApproved || s == SessionStatusRejected
}

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

type SessionLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

type SessionResult struct {
	CustomerId   string             `json:"customerId"`
	CustomerName string             `json:"customerName"`
	Age          *int               `json:"age"`
	Reason       string             `json:"reason"`
	Identity     *CanonicalIdentity `json:"identity,omitempty"`
}

// VerificationSession is the transient handshake state shared between the
// payment terminal and the remote scanner for a single transaction.
type VerificationSession struct {
	TransactionId       string            `json:"transactionId"`
	Status              SessionStatus     `json:"status"`
	Result              *SessionResult    `json:"result"`
	RegisterId          string            `json:"registerId,omitempty"`
	RemoteScannerActive bool              `json:"remoteScannerActive"`
	LastHeartbeat       *time.Time        `json:"lastHeartbeat"`
	Logs                []SessionLogEntry `json:"logs"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
	ExpiresAt           time.Time         `json:"expiresAt"`
}

type SessionStats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Expired  int `json:"expired"`
}

// DecisionRecord is the durable copy of a finalized verification handed to
// the compliance store.
type DecisionRecord struct {
	Id            string             `json:"id"`
	TransactionId string             `json:"transaction_id"`
	RegisterId    string             `json:"register_id,omitempty"`
	Status        SessionStatus      `json:"status"`
	CustomerId    string             `json:"customer_id,omitempty"`
	CustomerName  string             `json:"customer_name,omitempty"`
	Age           *int               `json:"age,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	Identity      *CanonicalIdentity `json:"identity,omitempty"`
	DecidedAt     time.Time          `json:"decided_at"`
	Receipt       string             `json:"receipt,omitempty"`
}
