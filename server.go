package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go-checkout-verifier/metrics"
	"go-checkout-verifier/models"
	"go-checkout-verifier/session"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const ErrorInternal = "error:internal"
const ERR_MARSHAL = "failed to marshal response message"
const ERR_INVALID_REQUEST = "invalid_request"
const ERR_SESSION_NOT_FOUND = "session_not_found"
const ERR_SESSION_NOT_TERMINAL = "session_not_terminal"
const ERR_DOCUMENT_NOT_RECOGNIZED = "document_not_recognized"
const ERR_RECEIPT_SIGNING = "receipt_signing_failed"
const ERR_POS_UNAVAILABLE = "pos_unavailable"
const ERR_COMPLIANCE_UNAVAILABLE = "compliance_unavailable"

const maxRequestBodySize = 1 << 20

type ServerConfig struct {
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	UseTls         bool   `json:"use_tls,omitempty" yaml:"use_tls,omitempty"`
	TlsPrivKeyPath string `json:"tls_priv_key_path,omitempty" yaml:"tls_priv_key_path,omitempty"`
	TlsCertPath    string `json:"tls_cert_path,omitempty" yaml:"tls_cert_path,omitempty"`
}

type ServerState struct {
	broker             *session.Broker
	documentParser     DocumentParser
	agePolicy          AgePolicy
	posClient          PosClient
	complianceRecorder ComplianceRecorder
	receiptSigner      ReceiptSigner
	metrics            *metrics.Metrics
	gatherer           prometheus.Gatherer
	clock              clockwork.Clock
}

type Server struct {
	server *http.Server
	config ServerConfig
}

func (s *Server) ListenAndServe() error {
	if s.config.UseTls {
		slog.Info("Starting server with TLS", "host", s.config.Host, "port", s.config.Port, "cert", s.config.TlsCertPath, "key", s.config.TlsPrivKeyPath)
		return s.server.ListenAndServeTLS(s.config.TlsCertPath, s.config.TlsPrivKeyPath)
	} else {
		slog.Info("Starting server without TLS", "host", s.config.Host, "port", s.config.Port)
		return s.server.ListenAndServe()
	}
}

func (s *Server) Stop() error {
	slog.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		slog.Error("Error during server shutdown", "error", err)
	} else {
		slog.Info("Server shut down successfully")
	}
	return err
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func NewServer(state *ServerState, config ServerConfig) (*Server, error) {
	if state.broker == nil {
		return nil, errors.New("server requires a session broker")
	}
	if state.clock == nil {
		state.clock = clockwork.NewRealClock()
	}

	slog.Info("Creating new server", "host", config.Host, "port", config.Port, "tls", config.UseTls)
	router := mux.NewRouter()

	router.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("Health check request received")
		err := json.NewEncoder(w).Encode(map[string]bool{"ok": true})
		if err != nil {
			slog.Error("failed to write body to http response", "error", err)
		}
	}).Methods(http.MethodGet)

	// payment terminal
	router.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		handleCreateSession(state, w, r)
	}).Methods(http.MethodPost)
	router.HandleFunc("/api/sessions/stats", func(w http.ResponseWriter, r *http.Request) {
		handleSessionStats(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleGetSession(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleCancelSession(state, w, r)
	}).Methods(http.MethodDelete)
	router.HandleFunc("/api/sessions/{id}/complete", func(w http.ResponseWriter, r *http.Request) {
		handleCompleteSession(state, w, r)
	}).Methods(http.MethodPost)

	// remote scanner
	router.HandleFunc("/api/sessions/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		handleHeartbeat(state, w, r)
	}).Methods(http.MethodPost)
	router.HandleFunc("/api/sessions/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		handleAddLog(state, w, r)
	}).Methods(http.MethodPost)
	router.HandleFunc("/api/sessions/{id}/scan", func(w http.ResponseWriter, r *http.Request) {
		handleScan(state, w, r)
	}).Methods(http.MethodPost)
	router.HandleFunc("/api/sessions/{id}/result", func(w http.ResponseWriter, r *http.Request) {
		handleSessionResult(state, w, r)
	}).Methods(http.MethodPost)

	if state.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(state.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "invalid method", fmt.Errorf("%s %s", r.Method, r.URL.Path))
	})

	slog.Debug("Registered all API routes")

	addr := fmt.Sprintf("%v:%v", config.Host, config.Port)
	srv := &http.Server{
		Handler:      router,
		Addr:         addr,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	slog.Info("Server created successfully", "address", addr)
	return &Server{
		server: srv,
		config: config,
	}, nil
}

func handleCreateSession(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	var request models.CreateSessionRequest
	if !decodeAndValidate(w, r, &request, request.Validate) {
		return
	}

	created := state.broker.Create(request.TransactionId, session.CreateOptions{RegisterId: request.RegisterId})
	slog.Info("Verification session created", "transaction_id", request.TransactionId, "register_id", request.RegisterId)

	if err := writeJSON(w, http.StatusCreated, created); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

func handleSessionStats(state *ServerState, w http.ResponseWriter, r *http.Request) {
	if err := writeJSON(w, http.StatusOK, state.broker.Stats()); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

func handleGetSession(state *ServerState, w http.ResponseWriter, r *http.Request) {
	transactionId := mux.Vars(r)["id"]

	current, err := state.broker.Get(transactionId)
	if err != nil {
		respondWithSessionErr(w, transactionId, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, current); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

func handleCancelSession(state *ServerState, w http.ResponseWriter, r *http.Request) {
	transactionId := mux.Vars(r)["id"]

	if !state.broker.Complete(transactionId) {
		respondWithSessionErr(w, transactionId, session.ErrSessionNotFound)
		return
	}
	slog.Info("Verification session cancelled", "transaction_id", transactionId)
	w.WriteHeader(http.StatusNoContent)
}

func handleHeartbeat(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)
	transactionId := mux.Vars(r)["id"]

	current, err := state.broker.Heartbeat(transactionId)
	if err != nil {
		respondWithSessionErr(w, transactionId, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, current); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

func handleAddLog(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)
	transactionId := mux.Vars(r)["id"]

	var request models.SessionLogRequest
	if !decodeAndValidate(w, r, &request, request.Validate) {
		return
	}

	if err := state.broker.AddLog(transactionId, request.Message, request.Level); err != nil {
		respondWithSessionErr(w, transactionId, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleScan(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)
	transactionId := mux.Vars(r)["id"]

	var request models.ScanRequest
	if !decodeAndValidate(w, r, &request, request.Validate) {
		return
	}

	slog.Info("Received document scan", "transaction_id", transactionId, "barcode", request.HasBarcode(), "mrz_lines", len(request.MrzLines))

	var identity models.CanonicalIdentity
	if request.HasBarcode() {
		identity = state.documentParser.ParseBarcode(request.Barcode)
		state.metrics.ScanParsed(models.SourcePdf417, true)
	} else {
		parsed := state.documentParser.ParseMrz(request.MrzLines)
		state.metrics.ScanParsed(models.SourceMrz, parsed != nil)
		if parsed == nil {
			if err := state.broker.AddLog(transactionId, "MRZ not recognized, falling back to manual entry", models.LogLevelWarn); err != nil {
				respondWithSessionErr(w, transactionId, err)
				return
			}
			respondWithErr(w, http.StatusUnprocessableEntity, ERR_DOCUMENT_NOT_RECOGNIZED, "MRZ text not recognized", nil)
			return
		}
		identity = *parsed
	}

	decision := state.agePolicy.Decide(identity, state.clock.Now())
	if request.Approved != nil {
		decision.Approved = *request.Approved
		decision.Reason = request.Reason
	}

	updated, err := state.broker.Update(transactionId, session.UpdateRequest{
		Approved:     decision.Approved,
		CustomerId:   request.CustomerId,
		CustomerName: identity.FullName(),
		Age:          decision.Age,
		Reason:       decision.Reason,
		RegisterId:   request.RegisterId,
		Identity:     &identity,
	})
	if err != nil {
		respondWithSessionErr(w, transactionId, err)
		return
	}

	slog.Info("Document scan processed", "transaction_id", transactionId, "document_type", identity.DocumentType, "status", updated.Status)
	if err := writeJSON(w, http.StatusOK, models.ScanResponse{Identity: identity, Session: *updated}); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

func handleSessionResult(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)
	transactionId := mux.Vars(r)["id"]

	var request models.SessionResultRequest
	if !decodeAndValidate(w, r, &request, request.Validate) {
		return
	}

	identity := request.Identity
	if identity != nil && identity.Source == "" {
		manual := *identity
		manual.Source = models.SourceManual
		if manual.DocumentType == "" {
			manual.DocumentType = models.DocumentTypeManual
		}
		identity = &manual
	}

	updated, err := state.broker.Update(transactionId, session.UpdateRequest{
		Approved:     request.Approved,
		CustomerId:   request.CustomerId,
		CustomerName: request.CustomerName,
		Age:          request.Age,
		Reason:       request.Reason,
		RegisterId:   request.RegisterId,
		Identity:     identity,
	})
	if err != nil {
		respondWithSessionErr(w, transactionId, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, updated); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

// handleCompleteSession finalises a decided session: the receipt is signed,
// the POS and the compliance store are informed, and only then the session
// is released. A failing collaborator leaves the session in place so the
// terminal can retry.
func handleCompleteSession(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)
	transactionId := mux.Vars(r)["id"]
	started := state.clock.Now()

	current, err := state.broker.Get(transactionId)
	if err != nil {
		respondWithSessionErr(w, transactionId, err)
		return
	}
	if !current.Status.IsTerminal() || current.Result == nil {
		respondWithErr(w, http.StatusConflict, ERR_SESSION_NOT_TERMINAL, "session has no decision yet", fmt.Errorf("status %s", current.Status))
		return
	}

	record := models.DecisionRecord{
		Id:            decisionRecordId(current.TransactionId, current.UpdatedAt),
		TransactionId: current.TransactionId,
		RegisterId:    current.RegisterId,
		Status:        current.Status,
		CustomerId:    current.Result.CustomerId,
		CustomerName:  current.Result.CustomerName,
		Age:           current.Result.Age,
		Reason:        current.Result.Reason,
		Identity:      current.Result.Identity,
		DecidedAt:     current.UpdatedAt,
	}

	receipt, err := state.receiptSigner.SignDecision(record)
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ERR_RECEIPT_SIGNING, "failed to sign receipt", err)
		return
	}
	record.Receipt = receipt

	if err := state.posClient.PostVerificationNote(r.Context(), NewPosNote(record)); err != nil {
		respondWithErr(w, http.StatusBadGateway, ERR_POS_UNAVAILABLE, "failed to post verification note to POS", err)
		return
	}

	recordId, err := state.complianceRecorder.RecordDecision(r.Context(), record)
	if err != nil {
		respondWithErr(w, http.StatusBadGateway, ERR_COMPLIANCE_UNAVAILABLE, "failed to record decision", err)
		return
	}

	state.broker.Complete(transactionId)
	state.metrics.ObserveFinalizeLatency(state.clock.Since(started))
	slog.Info("Verification session finalised", "transaction_id", transactionId, "status", record.Status, "record_id", recordId)

	response := models.CompleteResponse{
		TransactionId: transactionId,
		Status:        record.Status,
		RecordId:      recordId,
		Receipt:       receipt,
	}
	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

// decisionRecordId is stable for one decision, so a retried finalisation
// reuses the id for the POS idempotency key and the compliance record.
func decisionRecordId(transactionId string, decidedAt time.Time) string {
	name := fmt.Sprintf("checkout-verifier:decision:%s:%s", transactionId, decidedAt.UTC().Format(time.RFC3339Nano))
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// decodeAndValidate writes a 400 response and returns false when the body is
// not valid JSON or fails validation.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, v any, validate func() error) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err := decoder.Decode(v); err != nil {
		respondWithErr(w, http.StatusBadRequest, ERR_INVALID_REQUEST, "failed to decode request body", err)
		return false
	}
	if err := validate(); err != nil {
		respondWithErrMessage(w, http.StatusBadRequest, ERR_INVALID_REQUEST, err.Error(), "request validation failed", err)
		return false
	}
	return true
}

func respondWithSessionErr(w http.ResponseWriter, transactionId string, err error) {
	switch {
	case errors.Is(err, session.ErrSessionExpired):
		slog.Info("Request for expired session", "transaction_id", transactionId)
		respondWithErr(w, http.StatusNotFound, ERR_SESSION_NOT_FOUND, "session expired", err)
	case errors.Is(err, session.ErrSessionNotFound):
		respondWithErr(w, http.StatusNotFound, ERR_SESSION_NOT_FOUND, "session not found", err)
	default:
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "session operation failed", err)
	}
}

func respondWithErr(w http.ResponseWriter, code int, errorCode string, logMsg string, e error) {
	respondWithErrMessage(w, code, errorCode, "", logMsg, e)
}

func respondWithErrMessage(w http.ResponseWriter, code int, errorCode, message string, logMsg string, e error) {
	if code >= http.StatusInternalServerError {
		slog.Error(logMsg, "error", e, "status_code", code, "response_body", errorCode)
	} else {
		slog.Warn(logMsg, "error", e, "status_code", code, "response_body", errorCode)
	}

	payload, err := json.Marshal(models.ErrorResponse{Error: errorCode, Message: message})
	if err != nil {
		slog.Error("Failed to marshal error response", "error", err)
		w.WriteHeader(code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(payload); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
}

func closeRequestBody(r *http.Request) {
	if err := r.Body.Close(); err != nil {
		slog.Error("failed to close request body", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	slog.Debug("Writing JSON response", "status_code", status)
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal JSON payload", "error", err)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(payload)
	if err != nil {
		slog.Error("failed to write body to http response", "error", err)
	} else {
		slog.Debug("JSON response written successfully", "status_code", status, "payload_size", len(payload))
	}
	return nil
}
