package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go-checkout-verifier/metrics"
	"go-checkout-verifier/models"
	"go-checkout-verifier/session"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

var testConfig = ServerConfig{
	Host: "localhost",
	Port: 8081,
}

var testStart = time.Date(2026, time.October, 15, 9, 30, 0, 0, time.UTC)

const (
	testMrzLine1 = "P<USADOE<<JOHN<<<<<<<<<<<<<<<<<<<<<<<<<<<<<<"
	testMrzLine2 = "L898902C36USA9001010M3001015<<<<<<<<<<<<<<02"
)

type testEnv struct {
	url        string
	clock      *clockwork.FakeClock
	broker     *session.Broker
	pos        *fakePosClient
	compliance *InMemoryComplianceRecorder
	signer     ReceiptSigner
	metrics    *metrics.Metrics
}

func startTestServer(t *testing.T, overrides ...func(*ServerState)) *testEnv {
	t.Helper()

	clock := clockwork.NewFakeClockAt(testStart)
	registry := prometheus.NewRegistry()
	appMetrics := metrics.New(registry)
	env := &testEnv{
		clock:      clock,
		broker:     session.NewBroker(session.Config{}, session.WithClock(clock), session.WithRecorder(appMetrics)),
		pos:        &fakePosClient{},
		compliance: NewInMemoryComplianceRecorder(),
		signer:     newTestReceiptSigner(t, clock),
		metrics:    appMetrics,
	}

	testState := &ServerState{
		broker:             env.broker,
		documentParser:     NewDocumentParser(clock),
		agePolicy:          AgePolicy{MinimumAge: 21},
		posClient:          env.pos,
		complianceRecorder: env.compliance,
		receiptSigner:      env.signer,
		metrics:            appMetrics,
		gatherer:           registry,
		clock:              clock,
	}
	for _, override := range overrides {
		override(testState)
	}

	srv, err := NewServer(testState, testConfig)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	env.url = ts.URL
	return env
}

func doJSON[T any](t *testing.T, method, url string, payload any) (*http.Response, []byte, *T) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(b)
	}
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var v T
	_ = json.Unmarshal(respBody, &v)
	return resp, respBody, &v
}

func postJSON[T any](t *testing.T, url string, payload any) (*http.Response, []byte, *T) {
	t.Helper()
	return doJSON[T](t, http.MethodPost, url, payload)
}

func getJSON[T any](t *testing.T, url string) (*http.Response, []byte, *T) {
	t.Helper()
	return doJSON[T](t, http.MethodGet, url, nil)
}

func mustStatus(t *testing.T, resp *http.Response, want int, body []byte) {
	t.Helper()
	require.Equalf(t, want, resp.StatusCode, "body: %s", body)
}

func mustErrorCode(t *testing.T, body []byte, want string) {
	t.Helper()
	var e models.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e), "body: %s", body)
	require.Equal(t, want, e.Error)
}

// createSession bootstraps a pending session through the API
func (env *testEnv) createSession(t *testing.T, transactionId string) {
	t.Helper()
	resp, body, _ := postJSON[models.VerificationSession](t, env.url+"/api/sessions", models.CreateSessionRequest{
		TransactionId: transactionId,
		RegisterId:    "REG-1",
	})
	mustStatus(t, resp, http.StatusCreated, body)
}

func intPtr(v int) *int {
	return &v
}

func boolPtr(v bool) *bool {
	return &v
}

// test doubles

type fakePosClient struct {
	mu    sync.Mutex
	notes []PosNote
	err   error
}

func (f *fakePosClient) PostVerificationNote(_ context.Context, note PosNote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.notes = append(f.notes, note)
	return nil
}

func (f *fakePosClient) HealthCheck(_ context.Context) error {
	return nil
}

func (f *fakePosClient) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakePosClient) postedNotes() []PosNote {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PosNote(nil), f.notes...)
}

// flakyComplianceRecorder fails the first failures calls to RecordDecision
type flakyComplianceRecorder struct {
	ComplianceRecorder
	mu       sync.Mutex
	failures int
}

func (f *flakyComplianceRecorder) RecordDecision(ctx context.Context, record models.DecisionRecord) (string, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return "", errors.New("compliance store unavailable")
	}
	f.mu.Unlock()
	return f.ComplianceRecorder.RecordDecision(ctx, record)
}

type failingComplianceRecorder struct{}

func (failingComplianceRecorder) RecordDecision(context.Context, models.DecisionRecord) (string, error) {
	return "", errors.New("compliance store unavailable")
}

func (failingComplianceRecorder) RetrieveDecision(context.Context, string) (models.DecisionRecord, error) {
	return models.DecisionRecord{}, ErrDecisionNotFound
}
