// Package session keeps the short lived verification sessions that connect a
// payment terminal with a remote scanner.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go-checkout-verifier/models"

	"github.com/jonboulle/clockwork"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired matches ErrSessionNotFound with errors.Is.
	ErrSessionExpired = fmt.Errorf("%w: expired", ErrSessionNotFound)
)

const (
	DefaultTTL            = 15 * time.Minute
	DefaultLivenessWindow = 10 * time.Second
	DefaultSweepInterval  = 5 * time.Minute
	DefaultMaxLogEntries  = 50
)

const (
	ExpiredOnAccess = "access"
	ExpiredOnSweep  = "sweep"
)

type Config struct {
	TTL            time.Duration
	LivenessWindow time.Duration
	SweepInterval  time.Duration
	MaxLogEntries  int
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = DefaultLivenessWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxLogEntries <= 0 {
		c.MaxLogEntries = DefaultMaxLogEntries
	}
	return c
}

// Recorder receives lifecycle events, typically to export them as metrics.
type Recorder interface {
	SessionCreated()
	SessionCompleted()
	SessionsExpired(reason string, count int)
	ScannerTimedOut()
	DecisionRecorded(status models.SessionStatus)
}

type noopRecorder struct{}

func (noopRecorder) SessionCreated() {}
func (noopRecorder) SessionCompleted() {}
func (noopRecorder) SessionsExpired(string, int) {}
func (noopRecorder) ScannerTimedOut() {}
func (noopRecorder) DecisionRecorded(models.SessionStatus) {}

type Option func(*Broker)

// WithClock sets the clock used for timestamps, expiry and the sweeper.
func WithClock(clock clockwork.Clock) Option {
	return func(b *Broker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(b *Broker) {
		if recorder != nil {
			b.recorder = recorder
		}
	}
}

type CreateOptions struct {
	RegisterId string
}

// UpdateRequest is a verification decision for a session.
type UpdateRequest struct {
	Approved     bool
	CustomerId   string
	CustomerName string
	Age          *int
	Reason       string
	RegisterId   string
	Identity     *models.CanonicalIdentity
}

// Broker owns every verification session. All methods are safe for
// concurrent use and return copies, never the stored session.
type Broker struct {
	mu       sync.Mutex
	sessions map[string]*models.VerificationSession
	config   Config
	clock    clockwork.Clock
	recorder Recorder
}

func NewBroker(config Config, opts ...Option) *Broker {
	b := &Broker{
		sessions: make(map[string]*models.VerificationSession),
		config:   config.withDefaults(),
		clock:    clockwork.NewRealClock(),
		recorder: noopRecorder{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) Config() Config {
	return b.config
}

// Create starts a pending session for the transaction. An existing session
// with the same id is replaced.
func (b *Broker) Create(transactionId string, opts CreateOptions) *models.VerificationSession {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	session := &models.VerificationSession{
		TransactionId: transactionId,
		Status:        models.SessionStatusPending,
		RegisterId:    opts.RegisterId,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(b.config.TTL),
	}
	message := "Verification session created"
	if opts.RegisterId != "" {
		message = fmt.Sprintf("Verification session created for register %s", opts.RegisterId)
	}
	b.appendLog(session, now, models.LogLevelInfo, message)

	if _, replaced := b.sessions[transactionId]; replaced {
		slog.Info("Replacing existing verification session", "transaction_id", transactionId)
	}
	b.sessions[transactionId] = session
	b.recorder.SessionCreated()
	slog.Debug("Created verification session", "transaction_id", transactionId, "expires_at", session.ExpiresAt)

	return copySession(session)
}

// Heartbeat marks the remote scanner of the session as connected.
func (b *Broker) Heartbeat(transactionId string) (*models.VerificationSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	session, err := b.lookup(transactionId, now)
	if err != nil {
		return nil, err
	}

	if !session.RemoteScannerActive {
		session.RemoteScannerActive = true
		b.appendLog(session, now, models.LogLevelInfo, "Remote scanner connected")
	}
	heartbeat := now
	session.LastHeartbeat = &heartbeat

	return copySession(session), nil
}

// AddLog appends an entry to the session log. Only the most recent entries
// are kept.
func (b *Broker) AddLog(transactionId string, message string, level models.LogLevel) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	session, err := b.lookup(transactionId, now)
	if err != nil {
		return err
	}
	if level == "" {
		level = models.LogLevelInfo
	}
	b.appendLog(session, now, level, message)
	return nil
}

// Update stores a verification decision and moves the session to approved or
// rejected. A later decision replaces an earlier one.
func (b *Broker) Update(transactionId string, req UpdateRequest) (*models.VerificationSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	session, err := b.lookup(transactionId, now)
	if err != nil {
		return nil, err
	}

	status := models.SessionStatusRejected
	if req.Approved {
		status = models.SessionStatusApproved
	}
	session.Status = status
	session.Result = &models.SessionResult{
		CustomerId:   req.CustomerId,
		CustomerName: req.CustomerName,
		Age:          copyInt(req.Age),
		Reason:       req.Reason,
		Identity:     copyIdentity(req.Identity),
	}
	if req.RegisterId != "" {
		session.RegisterId = req.RegisterId
	}
	session.UpdatedAt = now

	message := fmt.Sprintf("Verification %s", status)
	if req.Reason != "" {
		message = fmt.Sprintf("Verification %s: %s", status, req.Reason)
	}
	b.appendLog(session, now, models.LogLevelInfo, message)
	b.recorder.DecisionRecorded(status)
	slog.Info("Verification decision recorded", "transaction_id", transactionId, "status", status)

	return copySession(session), nil
}

// Get returns the session and refreshes the liveness of its remote scanner.
// A scanner whose last heartbeat is older than the liveness window is marked
// as disconnected.
func (b *Broker) Get(transactionId string) (*models.VerificationSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	session, err := b.lookup(transactionId, now)
	if err != nil {
		return nil, err
	}

	if session.RemoteScannerActive && session.LastHeartbeat != nil &&
		now.Sub(*session.LastHeartbeat) > b.config.LivenessWindow {
		session.RemoteScannerActive = false
		b.appendLog(session, now, models.LogLevelWarn, "Remote scanner timed out")
		b.recorder.ScannerTimedOut()
		slog.Info("Remote scanner timed out", "transaction_id", transactionId, "last_heartbeat", *session.LastHeartbeat)
	}

	return copySession(session), nil
}

// Complete removes the session and reports whether it existed.
func (b *Broker) Complete(transactionId string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.sessions[transactionId]
	if ok {
		delete(b.sessions, transactionId)
		b.recorder.SessionCompleted()
		slog.Debug("Completed verification session", "transaction_id", transactionId)
	}
	return ok
}

// Stats counts sessions by status. Sessions past their expiry are counted
// as expired instead, but are not removed.
func (b *Broker) Stats() models.SessionStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	stats := models.SessionStats{Total: len(b.sessions)}
	for _, session := range b.sessions {
		if now.After(session.ExpiresAt) {
			stats.Expired++
			continue
		}
		switch session.Status {
		case models.SessionStatusPending:
			stats.Pending++
		case models.SessionStatusApproved:
			stats.Approved++
		case models.SessionStatusRejected:
			stats.Rejected++
		}
	}
	return stats
}

// Sweep removes every expired session and returns how many were removed.
func (b *Broker) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	removed := 0
	for id, session := range b.sessions {
		if now.After(session.ExpiresAt) {
			delete(b.sessions, id)
			removed++
		}
	}

	if removed > 0 {
		b.recorder.SessionsExpired(ExpiredOnSweep, removed)
	}
	slog.Info("Swept expired verification sessions", "removed", removed, "remaining", len(b.sessions))
	return removed
}

// Run sweeps expired sessions every sweep interval until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	ticker := b.clock.NewTicker(b.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			b.Sweep()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// lookup must be called with the lock held. Expired sessions are removed.
func (b *Broker) lookup(transactionId string, now time.Time) (*models.VerificationSession, error) {
	session, ok := b.sessions[transactionId]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if now.After(session.ExpiresAt) {
		delete(b.sessions, transactionId)
		b.recorder.SessionsExpired(ExpiredOnAccess, 1)
		slog.Info("Verification session expired", "transaction_id", transactionId, "expires_at", session.ExpiresAt)
		return nil, ErrSessionExpired
	}
	return session, nil
}

func (b *Broker) appendLog(session *models.VerificationSession, now time.Time, level models.LogLevel, message string) {
	session.Logs = append(session.Logs, models.SessionLogEntry{
		Timestamp: now,
		Level:     level,
		Message:   message,
	})
	if overflow := len(session.Logs) - b.config.MaxLogEntries; overflow > 0 {
		session.Logs = append([]models.SessionLogEntry(nil), session.Logs[overflow:]...)
	}
}

func copySession(session *models.VerificationSession) *models.VerificationSession {
	c := *session
	c.Logs = append([]models.SessionLogEntry(nil), session.Logs...)
	if session.LastHeartbeat != nil {
		heartbeat := *session.LastHeartbeat
		c.LastHeartbeat = &heartbeat
	}
	if session.Result != nil {
		result := *session.Result
		result.Age = copyInt(session.Result.Age)
		result.Identity = copyIdentity(session.Result.Identity)
		c.Result = &result
	}
	return &c
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyIdentity(identity *models.CanonicalIdentity) *models.CanonicalIdentity {
	if identity == nil {
		return nil
	}
	c := *identity
	return &c
}
