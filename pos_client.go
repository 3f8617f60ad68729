package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go-checkout-verifier/models"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	DefaultPosTimeout    = 10 * time.Second
	DefaultPosMaxRetries = 3
)

// PosNote is the verification outcome attached to a POS transaction
type PosNote struct {
	RecordId      string               `json:"record_id,omitempty"`
	TransactionId string               `json:"transaction_id"`
	RegisterId    string               `json:"register_id,omitempty"`
	Status        models.SessionStatus `json:"status"`
	CustomerId    string               `json:"customer_id,omitempty"`
	Note          string               `json:"note"`
	Receipt       string               `json:"receipt"`
}

// NewPosNote renders the human readable note the cashier sees in the POS
func NewPosNote(record models.DecisionRecord) PosNote {
	var note strings.Builder
	fmt.Fprintf(&note, "ID check %s", record.Status)

	name := record.CustomerName
	if name == "" && record.Identity != nil {
		name = record.Identity.FullName()
	}
	if name != "" {
		fmt.Fprintf(&note, " for %s", cases.Title(language.Und).String(name))
	}
	if record.Age != nil {
		fmt.Fprintf(&note, ", age %d", *record.Age)
	}
	if record.Identity != nil && record.Identity.DocumentType != "" {
		fmt.Fprintf(&note, " (%s)", strings.ReplaceAll(string(record.Identity.DocumentType), "_", " "))
	}
	if record.Reason != "" {
		fmt.Fprintf(&note, ": %s", strings.ReplaceAll(record.Reason, "_", " "))
	}

	return PosNote{
		RecordId:      record.Id,
		TransactionId: record.TransactionId,
		RegisterId:    record.RegisterId,
		Status:        record.Status,
		CustomerId:    record.CustomerId,
		Note:          note.String(),
		Receipt:       record.Receipt,
	}
}

// PosClient defines the operations the verifier needs from the point of sale
type PosClient interface {
	// PostVerificationNote attaches the verification outcome to the transaction
	PostVerificationNote(ctx context.Context, note PosNote) error

	// HealthCheck verifies the POS API is reachable
	HealthCheck(ctx context.Context) error
}

// HttpPosClient implements PosClient against the POS REST API
type HttpPosClient struct {
	baseURL         string
	apiToken        string
	httpClient      *http.Client
	maxRetries      uint64
	initialInterval time.Duration
}

// NewHttpPosClient creates a client that authenticates with a bearer token
func NewHttpPosClient(baseURL, apiToken string, timeout time.Duration, maxRetries uint64) *HttpPosClient {
	if timeout <= 0 {
		timeout = DefaultPosTimeout
	}
	return &HttpPosClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiToken: apiToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxRetries:      maxRetries,
		initialInterval: backoff.DefaultInitialInterval,
	}
}

// PostVerificationNote retries transport errors and 5xx responses with
// exponential backoff. Any 4xx response fails immediately. The record id is
// sent as Idempotency-Key so the POS keeps one note per decision.
func (c *HttpPosClient) PostVerificationNote(ctx context.Context, note PosNote) error {
	endpoint := fmt.Sprintf("%s/api/transactions/%s/notes", c.baseURL, url.PathEscape(note.TransactionId))

	jsonData, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("failed to marshal verification note: %w", err)
	}

	attempt := 0
	operation := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create note request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if note.RecordId != "" {
			req.Header.Set("Idempotency-Key", note.RecordId)
		}
		c.authorize(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			slog.Warn("POS note request failed", "transaction_id", note.TransactionId, "attempt", attempt, "error", err)
			return fmt.Errorf("failed to execute note request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			body, _ := io.ReadAll(resp.Body)
			err := fmt.Errorf("posting note failed with status %d: %s", resp.StatusCode, string(body))
			if resp.StatusCode < http.StatusInternalServerError {
				return backoff.Permanent(err)
			}
			slog.Warn("POS note request failed", "transaction_id", note.TransactionId, "attempt", attempt, "status_code", resp.StatusCode)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, c.retryPolicy(ctx)); err != nil {
		return err
	}

	slog.Info("Verification note posted to POS", "transaction_id", note.TransactionId, "status", note.Status, "attempts", attempt)
	return nil
}

// HealthCheck verifies the POS API is reachable
func (c *HttpPosClient) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}

	slog.Debug("POS API health check passed")
	return nil
}

func (c *HttpPosClient) authorize(req *http.Request) {
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
}

func (c *HttpPosClient) retryPolicy(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialInterval
	policy.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx)
}
