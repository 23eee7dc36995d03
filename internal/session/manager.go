package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/airfi/airfi-mpesa-gateway/internal/clock"
	"github.com/airfi/airfi-mpesa-gateway/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrInvalidRequest is returned when a create request lacks a phone number.
	ErrInvalidRequest = errors.New("invalid session request")
	// ErrNoAddress is returned when a session has no IP address to enforce.
	ErrNoAddress = errors.New("session has no ip address")
)

// Firewall opens and closes network access for a device.
type Firewall interface {
	Grant(ctx context.Context, ip, mac string) error
	Revoke(ctx context.Context, ip, mac string) error
}

// Resolver maps a device IP to its MAC address on a best-effort basis.
type Resolver interface {
	Resolve(ip string) (mac string, ok bool)
}

// Gateway initiates a push payment and returns the provider correlation id.
type Gateway interface {
	Initiate(ctx context.Context, subscriber string, amount int64, sessionID string) (string, error)
}

// Outcome describes how a payment callback was applied.
type Outcome string

const (
	// OutcomeUnmatched means no session carries the callback's correlation id.
	OutcomeUnmatched Outcome = "unmatched"
	// OutcomeActivated means the session moved to ACTIVE.
	OutcomeActivated Outcome = "activated"
	// OutcomeFailed means the session moved to FAILED.
	OutcomeFailed Outcome = "failed"
	// OutcomeIgnored means the session was no longer PENDING.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeMalformed means the payload could not be interpreted.
	OutcomeMalformed Outcome = "malformed"
)

// CallbackResult carries the fields extracted from a provider callback.
type CallbackResult struct {
	CorrelationID string
	ResultCode    int
	ResultDesc    string
	Receipt       string
}

// Succeeded reports whether the provider confirmed the payment.
func (c CallbackResult) Succeeded() bool {
	return c.ResultCode == 0
}

// CreateRequest describes a user's request to buy access.
type CreateRequest struct {
	Phone     string
	Plan      string
	Amount    int64 // overrides the plan price when positive
	IPAddress string
}

// Manager owns the session state machine and coordinates payment and firewall.
type Manager struct {
	store    Store
	firewall Firewall
	resolver Resolver
	gateway  Gateway
	clock    clock.Clock
	logger   *zap.Logger

	// detached payment initiations
	wg sync.WaitGroup
}

// NewManager creates a new session manager. Resolver and gateway may be nil
// in processes that never create sessions (the expiry monitor).
func NewManager(
	store Store,
	firewall Firewall,
	resolver Resolver,
	gateway Gateway,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		store:    store,
		firewall: firewall,
		resolver: resolver,
		gateway:  gateway,
		clock:    clock.Real{},
		logger:   logger,
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(c clock.Clock) {
	m.clock = c
}

// Now returns the current time of the manager's clock.
func (m *Manager) Now() time.Time {
	return m.clock.Now()
}

// Create persists a PENDING session for the requesting device and starts
// payment initiation in the background. The returned session never carries
// a correlation id; it is written back once the provider answers.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	phone := NormalizePhone(req.Phone)
	if phone == "" {
		return nil, ErrInvalidRequest
	}

	amount := req.Amount
	if amount <= 0 {
		amount = LookupPlan(req.Plan).Price
	}

	mac := UnknownMAC
	if m.resolver != nil && req.IPAddress != "" {
		if resolved, ok := m.resolver.Resolve(req.IPAddress); ok {
			mac = resolved
		}
	}

	now := m.clock.Now()
	sess := &Session{
		ID:         uuid.NewString(),
		Subscriber: phone,
		Amount:     amount,
		IPAddress:  req.IPAddress,
		MACAddress: mac,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := m.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	metrics.Get().SessionsCreated.Inc()

	m.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("subscriber", phone),
		zap.Int64("amount", amount),
		zap.String("ip", sess.IPAddress),
		zap.String("mac", mac),
	)

	if m.gateway != nil {
		m.wg.Add(1)
		go m.initiate(*sess)
	}

	return sess, nil
}

// initiate requests the push payment and writes the correlation id back.
// It runs detached from the request that created the session.
func (m *Manager) initiate(sess Session) {
	defer m.wg.Done()

	ctx := context.Background()
	correlationID, err := m.gateway.Initiate(ctx, sess.Subscriber, sess.Amount, sess.ID)
	metrics.Get().PaymentInitiated.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		m.logger.Warn("payment initiation failed, session stays pending",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
		return
	}

	err = m.store.SetCorrelationID(ctx, sess.ID, correlationID)
	switch {
	case errors.Is(err, ErrNotFound):
		m.logger.Info("session gone before correlation write-back",
			zap.String("session_id", sess.ID),
			zap.String("correlation_id", correlationID),
		)
	case err != nil:
		m.logger.Error("failed to store correlation id",
			zap.String("session_id", sess.ID),
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
	default:
		m.logger.Info("payment initiated",
			zap.String("session_id", sess.ID),
			zap.String("correlation_id", correlationID),
		)
	}
}

// Wait blocks until all background payment initiations have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Reconcile applies a provider callback to the matching session.
// Unmatched callbacks never create sessions; sessions that already left
// PENDING are left untouched.
func (m *Manager) Reconcile(ctx context.Context, cb CallbackResult) (Outcome, error) {
	outcome, err := m.reconcile(ctx, cb)
	if err == nil {
		metrics.Get().Callbacks.WithLabelValues(string(outcome)).Inc()
	}
	return outcome, err
}

func (m *Manager) reconcile(ctx context.Context, cb CallbackResult) (Outcome, error) {
	sess, err := m.store.GetByCorrelationID(ctx, cb.CorrelationID)
	if errors.Is(err, ErrNotFound) {
		m.logger.Info("reconciliation miss: no session for callback",
			zap.String("correlation_id", cb.CorrelationID),
			zap.Int("result_code", cb.ResultCode),
		)
		return OutcomeUnmatched, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up session: %w", err)
	}

	if !cb.Succeeded() {
		err := m.store.Transition(ctx, sess.ID, StatusPending, StatusFailed, "")
		if errors.Is(err, ErrIllegalTransition) {
			m.logger.Info("ignoring failure callback for settled session",
				zap.String("session_id", sess.ID),
				zap.String("status", string(sess.Status)),
			)
			return OutcomeIgnored, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to mark session failed: %w", err)
		}
		m.logger.Info("payment failed or cancelled",
			zap.String("session_id", sess.ID),
			zap.String("subscriber", sess.Subscriber),
			zap.Int("result_code", cb.ResultCode),
			zap.String("result_desc", cb.ResultDesc),
		)
		return OutcomeFailed, nil
	}

	err = m.store.Transition(ctx, sess.ID, StatusPending, StatusActive, cb.Receipt)
	if errors.Is(err, ErrIllegalTransition) {
		m.logger.Info("ignoring success callback for settled session",
			zap.String("session_id", sess.ID),
			zap.String("status", string(sess.Status)),
		)
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to activate session: %w", err)
	}

	m.logger.Info("payment confirmed",
		zap.String("session_id", sess.ID),
		zap.String("subscriber", sess.Subscriber),
		zap.String("receipt", cb.Receipt),
	)

	if sess.IPAddress == "" {
		m.logger.Warn("cannot open firewall: no ip recorded",
			zap.String("session_id", sess.ID),
		)
		return OutcomeActivated, nil
	}

	// ACTIVE stays even if the grant fails; the monitor re-asserts access.
	err = m.firewall.Grant(ctx, sess.IPAddress, sess.FirewallMAC())
	metrics.Get().FirewallOps.WithLabelValues("grant", metrics.Result(err)).Inc()
	if err != nil {
		m.logger.Error("CRITICAL: firewall failed to open for paid session",
			zap.String("session_id", sess.ID),
			zap.String("subscriber", sess.Subscriber),
			zap.String("ip", sess.IPAddress),
			zap.Error(err),
		)
		return OutcomeActivated, nil
	}

	active, err := m.confirmGrant(ctx, sess)
	if err != nil {
		m.logger.Error("failed to confirm firewall grant",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
		return OutcomeActivated, nil
	}
	if !active {
		return OutcomeActivated, nil
	}

	m.logger.Info("firewall opened",
		zap.String("session_id", sess.ID),
		zap.String("ip", sess.IPAddress),
	)
	return OutcomeActivated, nil
}

// confirmGrant re-reads the session after a grant. If it left ACTIVE while
// the grant was running, the rules are withdrawn again and false is returned.
// Every transition out of ACTIVE revokes after its compare-and-swap, so
// either this check or that revoke sees the other side's effect.
func (m *Manager) confirmGrant(ctx context.Context, sess *Session) (bool, error) {
	current, err := m.store.Get(ctx, sess.ID)
	if err != nil {
		return false, err
	}
	if current.Status == StatusActive {
		return true, nil
	}

	err = m.firewall.Revoke(ctx, sess.IPAddress, sess.FirewallMAC())
	metrics.Get().FirewallOps.WithLabelValues("revoke", metrics.Result(err)).Inc()
	m.logger.Warn("session left ACTIVE during grant, access withdrawn",
		zap.String("session_id", sess.ID),
		zap.String("status", string(current.Status)),
		zap.String("ip", sess.IPAddress),
		zap.Error(err),
	)
	return false, err
}

// ForceGrant opens access without payment confirmation. A PENDING session
// becomes ACTIVE; an ACTIVE one has its rules re-applied. Terminal sessions
// are refused with ErrIllegalTransition and the firewall is not touched.
func (m *Manager) ForceGrant(ctx context.Context, id string) (*Session, error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusPending && sess.Status != StatusActive {
		return sess, ErrIllegalTransition
	}
	if sess.IPAddress == "" {
		return sess, ErrNoAddress
	}

	err = m.firewall.Grant(ctx, sess.IPAddress, sess.FirewallMAC())
	metrics.Get().FirewallOps.WithLabelValues("grant", metrics.Result(err)).Inc()
	if err != nil {
		return sess, fmt.Errorf("firewall grant failed: %w", err)
	}

	if sess.Status == StatusPending {
		err := m.store.Transition(ctx, id, StatusPending, StatusActive, "")
		if err != nil && !errors.Is(err, ErrIllegalTransition) {
			return sess, fmt.Errorf("failed to activate session: %w", err)
		}
	}

	// Lost a race with a failure callback or a revoke: undo the rules just added.
	active, err := m.confirmGrant(ctx, sess)
	if err != nil {
		return sess, err
	}
	if !active {
		return sess, ErrIllegalTransition
	}

	m.logger.Info("session force-granted",
		zap.String("session_id", id),
		zap.String("ip", sess.IPAddress),
	)

	return m.store.Get(ctx, id)
}

// ForceRevoke closes access for a session. Rule cleanup is attempted for any
// status; only an ACTIVE session moves to REVOKED. If the rules could not be
// removed the status is left unchanged so the operator can retry.
func (m *Manager) ForceRevoke(ctx context.Context, id string) (*Session, error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if sess.IPAddress != "" {
		err := m.firewall.Revoke(ctx, sess.IPAddress, sess.FirewallMAC())
		metrics.Get().FirewallOps.WithLabelValues("revoke", metrics.Result(err)).Inc()
		if err != nil {
			return sess, fmt.Errorf("firewall revoke failed: %w", err)
		}
	}

	if sess.Status != StatusActive {
		return sess, ErrIllegalTransition
	}
	if err := m.store.Transition(ctx, id, StatusActive, StatusRevoked, ""); err != nil {
		return sess, err
	}
	// A grant racing the first revoke may have re-added rules.
	m.revokeAfterTransition(ctx, sess)

	m.logger.Info("session force-revoked",
		zap.String("session_id", id),
		zap.String("ip", sess.IPAddress),
	)

	return m.store.Get(ctx, id)
}

// Expire closes access for an ACTIVE session whose window has elapsed. The
// status advances first and the revoke follows; its result is logged only.
func (m *Manager) Expire(ctx context.Context, sess *Session) error {
	if err := m.store.Transition(ctx, sess.ID, StatusActive, StatusExpired, ""); err != nil {
		return err
	}
	metrics.Get().SessionsExpired.Inc()
	m.revokeAfterTransition(ctx, sess)

	m.logger.Info("session expired",
		zap.String("session_id", sess.ID),
		zap.String("subscriber", sess.Subscriber),
		zap.String("ip", sess.IPAddress),
	)
	return nil
}

// revokeAfterTransition withdraws access once a session has left ACTIVE.
func (m *Manager) revokeAfterTransition(ctx context.Context, sess *Session) {
	if sess.IPAddress == "" {
		return
	}
	err := m.firewall.Revoke(ctx, sess.IPAddress, sess.FirewallMAC())
	metrics.Get().FirewallOps.WithLabelValues("revoke", metrics.Result(err)).Inc()
	if err != nil {
		m.logger.Error("firewall revoke failed, device may keep access",
			zap.String("session_id", sess.ID),
			zap.String("ip", sess.IPAddress),
			zap.Error(err),
		)
	}
}

// Reassert re-applies the grant for an ACTIVE session. Grant is idempotent,
// so this only adds rules that went missing. sess may be a stale snapshot;
// access is withdrawn again if the session is no longer ACTIVE.
func (m *Manager) Reassert(ctx context.Context, sess *Session) error {
	if sess.IPAddress == "" {
		return ErrNoAddress
	}
	err := m.firewall.Grant(ctx, sess.IPAddress, sess.FirewallMAC())
	metrics.Get().FirewallOps.WithLabelValues("reassert", metrics.Result(err)).Inc()
	if err != nil {
		return err
	}

	active, err := m.confirmGrant(ctx, sess)
	if err != nil {
		return err
	}
	if !active {
		return ErrIllegalTransition
	}
	return nil
}

// Status returns the status of the subscriber's most recent session,
// or PENDING when none exists.
func (m *Manager) Status(ctx context.Context, phone string) (Status, error) {
	sess, err := m.store.LatestBySubscriber(ctx, NormalizePhone(phone))
	if errors.Is(err, ErrNotFound) {
		return StatusPending, nil
	}
	if err != nil {
		return "", err
	}
	return sess.Status, nil
}

// GetSession retrieves a session by ID.
func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// ListSessions returns sessions filtered by status; empty lists all.
func (m *Manager) ListSessions(ctx context.Context, status Status) ([]*Session, error) {
	return m.store.ListByStatus(ctx, status)
}

// RecordCallback stores the raw callback body for auditing. Failures are
// logged and never affect reconciliation.
func (m *Manager) RecordCallback(ctx context.Context, correlationID string, payload []byte) {
	if err := m.store.RecordCallback(ctx, correlationID, payload); err != nil {
		m.logger.Warn("failed to record callback",
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
	}
}
