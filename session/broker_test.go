package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go-checkout-verifier/models"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, time.October, 15, 9, 30, 0, 0, time.UTC)

type recordingRecorder struct {
	mu        sync.Mutex
	created   int
	completed int
	expired   map[string]int
	timeouts  int
	decisions map[models.SessionStatus]int
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{
		expired:   map[string]int{},
		decisions: map[models.SessionStatus]int{},
	}
}

func (r *recordingRecorder) SessionCreated() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created++
}

func (r *recordingRecorder) SessionCompleted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
}

func (r *recordingRecorder) SessionsExpired(reason string, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired[reason] += count
}

func (r *recordingRecorder) ScannerTimedOut() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts++
}

func (r *recordingRecorder) DecisionRecorded(status models.SessionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions[status]++
}

func newTestBroker(t *testing.T) (*Broker, *clockwork.FakeClock, *recordingRecorder) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(start)
	recorder := newRecordingRecorder()
	return NewBroker(Config{}, WithClock(clock), WithRecorder(recorder)), clock, recorder
}

func countMessages(session *models.VerificationSession, message string) int {
	count := 0
	for _, entry := range session.Logs {
		if entry.Message == message {
			count++
		}
	}
	return count
}

func TestNewBrokerDefaults(t *testing.T) {
	broker := NewBroker(Config{})
	config := broker.Config()
	require.Equal(t, 15*time.Minute, config.TTL)
	require.Equal(t, 10*time.Second, config.LivenessWindow)
	require.Equal(t, 5*time.Minute, config.SweepInterval)
	require.Equal(t, 50, config.MaxLogEntries)
}

func TestCreate(t *testing.T) {
	broker, _, recorder := newTestBroker(t)

	session := broker.Create("SALE-1", CreateOptions{RegisterId: "REG-7"})

	require.Equal(t, "SALE-1", session.TransactionId)
	require.Equal(t, models.SessionStatusPending, session.Status)
	require.Equal(t, "REG-7", session.RegisterId)
	require.False(t, session.RemoteScannerActive)
	require.Nil(t, session.LastHeartbeat)
	require.Nil(t, session.Result)
	require.Len(t, session.Logs, 1)
	require.Equal(t, start, session.CreatedAt)
	require.Equal(t, start.Add(15*time.Minute), session.ExpiresAt)
	require.Equal(t, 1, recorder.created)
}

func TestCreateReplacesExistingSession(t *testing.T) {
	broker, _, _ := newTestBroker(t)

	broker.Create("SALE-1", CreateOptions{})
	_, err := broker.Update("SALE-1", UpdateRequest{Approved: true})
	require.NoError(t, err)

	broker.Create("SALE-1", CreateOptions{RegisterId: "REG-2"})

	session, err := broker.Get("SALE-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusPending, session.Status)
	require.Nil(t, session.Result)
	require.Equal(t, "REG-2", session.RegisterId)
	require.Equal(t, 1, broker.Stats().Total)
}

func TestScannerLivenessScenario(t *testing.T) {
	broker, clock, recorder := newTestBroker(t)

	broker.Create("SALE-1", CreateOptions{})
	session, err := broker.Get("SALE-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusPending, session.Status)
	require.False(t, session.RemoteScannerActive)

	_, err = broker.Heartbeat("SALE-1")
	require.NoError(t, err)
	session, err = broker.Get("SALE-1")
	require.NoError(t, err)
	require.True(t, session.RemoteScannerActive)
	require.Equal(t, start, *session.LastHeartbeat)

	clock.Advance(11 * time.Second)
	session, err = broker.Get("SALE-1")
	require.NoError(t, err)
	require.False(t, session.RemoteScannerActive)
	require.Equal(t, 1, countMessages(session, "Remote scanner timed out"))
	require.Equal(t, 1, recorder.timeouts)

	session, err = broker.Get("SALE-1")
	require.NoError(t, err)
	require.Equal(t, 1, countMessages(session, "Remote scanner timed out"))
}

func TestHeartbeatIsIdempotent(t *testing.T) {
	broker, clock, _ := newTestBroker(t)
	broker.Create("SALE-1", CreateOptions{})

	_, err := broker.Heartbeat("SALE-1")
	require.NoError(t, err)
	clock.Advance(3 * time.Second)
	session, err := broker.Heartbeat("SALE-1")
	require.NoError(t, err)

	require.True(t, session.RemoteScannerActive)
	require.Equal(t, start.Add(3*time.Second), *session.LastHeartbeat)
	require.Equal(t, 1, countMessages(session, "Remote scanner connected"))
}

func TestHeartbeatReconnectLogsAgain(t *testing.T) {
	broker, clock, _ := newTestBroker(t)
	broker.Create("SALE-1", CreateOptions{})

	_, err := broker.Heartbeat("SALE-1")
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	_, err = broker.Get("SALE-1")
	require.NoError(t, err)

	session, err := broker.Heartbeat("SALE-1")
	require.NoError(t, err)
	require.True(t, session.RemoteScannerActive)
	require.Equal(t, 2, countMessages(session, "Remote scanner connected"))
}

func TestLivenessWindowBoundary(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		active  bool
	}{
		{"just inside the window", 10*time.Second - time.Nanosecond, true},
		{"exactly at the window", 10 * time.Second, true},
		{"just past the window", 10*time.Second + time.Nanosecond, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker, clock, _ := newTestBroker(t)
			broker.Create("SALE-1", CreateOptions{})
			_, err := broker.Heartbeat("SALE-1")
			require.NoError(t, err)

			clock.Advance(tt.elapsed)
			session, err := broker.Get("SALE-1")
			require.NoError(t, err)
			require.Equal(t, tt.active, session.RemoteScannerActive)
		})
	}
}

func TestAddLogKeepsMostRecentEntries(t *testing.T) {
	broker, _, _ := newTestBroker(t)
	broker.Create("SALE-1", CreateOptions{})

	for i := 1; i <= 60; i++ {
		require.NoError(t, broker.AddLog("SALE-1", fmt.Sprintf("entry %d", i), models.LogLevelDebug))
	}

	session, err := broker.Get("SALE-1")
	require.NoError(t, err)
	require.Len(t, session.Logs, 50)
	for i, entry := range session.Logs {
		require.Equal(t, fmt.Sprintf("entry %d", i+11), entry.Message)
		require.Equal(t, models.LogLevelDebug, entry.Level)
	}
}

func TestAddLogDefaultsToInfo(t *testing.T) {
	broker, _, _ := newTestBroker(t)
	broker.Create("SALE-1", CreateOptions{})

	require.NoError(t, broker.AddLog("SALE-1", "camera opened", ""))

	session, err := broker.Get("SALE-1")
	require.NoError(t, err)
	last := session.Logs[len(session.Logs)-1]
	require.Equal(t, "camera opened", last.Message)
	require.Equal(t, models.LogLevelInfo, last.Level)
	require.Equal(t, start, last.Timestamp)
}

func TestUpdate(t *testing.T) {
	t.Run("approval", func(t *testing.T) {
		broker, clock, recorder := newTestBroker(t)
		broker.Create("SALE-1", CreateOptions{RegisterId: "REG-1"})
		clock.Advance(time.Minute)

		age := 36
		identity := &models.CanonicalIdentity{FirstName: "JOHN", LastName: "DOE", DateOfBirth: "1990-01-01"}
		session, err := broker.Update("SALE-1", UpdateRequest{
			Approved:     true,
			CustomerId:   "C-9",
			CustomerName: "John Doe",
			Age:          &age,
			Identity:     identity,
		})
		require.NoError(t, err)

		require.Equal(t, models.SessionStatusApproved, session.Status)
		require.Equal(t, "C-9", session.Result.CustomerId)
		require.Equal(t, "John Doe", session.Result.CustomerName)
		require.Equal(t, 36, *session.Result.Age)
		require.Equal(t, "JOHN", session.Result.Identity.FirstName)
		require.Equal(t, "REG-1", session.RegisterId)
		require.Equal(t, start.Add(time.Minute), session.UpdatedAt)
		require.Equal(t, 1, recorder.decisions[models.SessionStatusApproved])

		age = 12
		identity.FirstName = "CHANGED"
		stored, err := broker.Get("SALE-1")
		require.NoError(t, err)
		require.Equal(t, 36, *stored.Result.Age)
		require.Equal(t, "JOHN", stored.Result.Identity.FirstName)
	})

	t.Run("rejection with reason", func(t *testing.T) {
		broker, _, _ := newTestBroker(t)
		broker.Create("SALE-1", CreateOptions{})

		session, err := broker.Update("SALE-1", UpdateRequest{Reason: "under_minimum_age", RegisterId: "REG-3"})
		require.NoError(t, err)
		require.Equal(t, models.SessionStatusRejected, session.Status)
		require.Equal(t, "under_minimum_age", session.Result.Reason)
		require.Equal(t, "REG-3", session.RegisterId)
		require.Equal(t, 1, countMessages(session, "Verification rejected: under_minimum_age"))
	})

	t.Run("later decision overrides", func(t *testing.T) {
		broker, _, _ := newTestBroker(t)
		broker.Create("SALE-1", CreateOptions{})

		_, err := broker.Update("SALE-1", UpdateRequest{Approved: false})
		require.NoError(t, err)
		session, err := broker.Update("SALE-1", UpdateRequest{Approved: true, Reason: "manager_override"})
		require.NoError(t, err)
		require.Equal(t, models.SessionStatusApproved, session.Status)
		require.Equal(t, "manager_override", session.Result.Reason)
	})

	t.Run("unknown session", func(t *testing.T) {
		broker, _, _ := newTestBroker(t)
		session, err := broker.Update("missing", UpdateRequest{Approved: true})
		require.ErrorIs(t, err, ErrSessionNotFound)
		require.Nil(t, session)
	})
}

func TestExpiredSessionIsEvictedOnAccess(t *testing.T) {
	operations := map[string]func(b *Broker) error{
		"get": func(b *Broker) error {
			_, err := b.Get("SALE-1")
			return err
		},
		"update": func(b *Broker) error {
			_, err := b.Update("SALE-1", UpdateRequest{Approved: true})
			return err
		},
		"heartbeat": func(b *Broker) error {
			_, err := b.Heartbeat("SALE-1")
			return err
		},
		"add log": func(b *Broker) error {
			return b.AddLog("SALE-1", "late", models.LogLevelInfo)
		},
	}

	for name, operation := range operations {
		t.Run(name, func(t *testing.T) {
			broker, clock, recorder := newTestBroker(t)
			broker.Create("SALE-1", CreateOptions{})

			clock.Advance(15*time.Minute + time.Second)
			err := operation(broker)
			require.ErrorIs(t, err, ErrSessionExpired)
			require.ErrorIs(t, err, ErrSessionNotFound)
			require.Equal(t, 1, recorder.expired[ExpiredOnAccess])

			err = operation(broker)
			require.ErrorIs(t, err, ErrSessionNotFound)
			require.False(t, errors.Is(err, ErrSessionExpired))
		})
	}
}

func TestSessionValidUntilExpiry(t *testing.T) {
	broker, clock, _ := newTestBroker(t)
	broker.Create("SALE-1", CreateOptions{})

	clock.Advance(15 * time.Minute)
	_, err := broker.Get("SALE-1")
	require.NoError(t, err)
}

func TestUnknownSession(t *testing.T) {
	broker, _, _ := newTestBroker(t)

	_, err := broker.Get("missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = broker.Heartbeat("missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.ErrorIs(t, broker.AddLog("missing", "hello", models.LogLevelInfo), ErrSessionNotFound)
}

func TestComplete(t *testing.T) {
	broker, _, recorder := newTestBroker(t)
	broker.Create("SALE-1", CreateOptions{})

	require.True(t, broker.Complete("SALE-1"))
	require.False(t, broker.Complete("SALE-1"))
	require.Equal(t, 1, recorder.completed)

	_, err := broker.Get("SALE-1")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStats(t *testing.T) {
	broker, clock, _ := newTestBroker(t)

	broker.Create("OLD", CreateOptions{})
	clock.Advance(10 * time.Minute)
	broker.Create("PENDING", CreateOptions{})
	broker.Create("APPROVED", CreateOptions{})
	broker.Create("REJECTED", CreateOptions{})
	_, err := broker.Update("APPROVED", UpdateRequest{Approved: true})
	require.NoError(t, err)
	_, err = broker.Update("REJECTED", UpdateRequest{Approved: false})
	require.NoError(t, err)
	clock.Advance(6 * time.Minute)

	stats := broker.Stats()
	require.Equal(t, models.SessionStats{Total: 4, Pending: 1, Approved: 1, Rejected: 1, Expired: 1}, stats)

	require.Equal(t, stats, broker.Stats())
}

func TestSweep(t *testing.T) {
	broker, clock, recorder := newTestBroker(t)

	broker.Create("OLD-1", CreateOptions{})
	broker.Create("OLD-2", CreateOptions{})
	clock.Advance(10 * time.Minute)
	broker.Create("FRESH", CreateOptions{})
	clock.Advance(6 * time.Minute)

	require.Equal(t, 2, broker.Sweep())
	require.Equal(t, 2, recorder.expired[ExpiredOnSweep])
	require.Equal(t, models.SessionStats{Total: 1, Pending: 1}, broker.Stats())

	require.Equal(t, 0, broker.Sweep())
}

func TestRunSweepsPeriodically(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	broker := NewBroker(Config{TTL: time.Minute}, WithClock(clock))
	broker.Create("SALE-1", CreateOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- broker.Run(ctx)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	clock.Advance(5 * time.Minute)
	require.Eventually(t, func() bool {
		return broker.Stats().Total == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestConcurrentAccess(t *testing.T) {
	broker, _, _ := newTestBroker(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("SALE-%d", i%5)
			broker.Create(id, CreateOptions{})
			_, _ = broker.Heartbeat(id)
			_ = broker.AddLog(id, "scan", models.LogLevelInfo)
			_, _ = broker.Update(id, UpdateRequest{Approved: i%2 == 0})
			_, _ = broker.Get(id)
			_ = broker.Stats()
		}(i)
	}
	wg.Wait()

	require.Equal(t, 5, broker.Stats().Total)
}
