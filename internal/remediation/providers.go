package remediation

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// CredentialRotation reports a completed rotation. The old credential is
// revoked by the rotation itself and cannot generally be restored.
type CredentialRotation struct {
	NewCredentialID string
	OldCredentialID string
}

// CredentialService rotates and deletes credentials (API keys, access keys).
type CredentialService interface {
	Rotate(ctx context.Context, target string, params map[string]interface{}) (*CredentialRotation, error)
	Delete(ctx context.Context, credentialID string) error
}

// IdentityService updates identity and token status in the user directory.
type IdentityService interface {
	// SetUserStatus changes a user's status and returns the previous value.
	SetUserStatus(ctx context.Context, userID, status string) (previous string, err error)

	// RevokeToken revokes a token and returns its previous status.
	RevokeToken(ctx context.Context, tokenID string) (previous string, err error)

	// RestoreToken restores a token to a prior status verbatim.
	RestoreToken(ctx context.Context, tokenID, status string) error
}

// IsolationAPI is the cloud-provider quarantine/isolation contract: apply a
// block or isolation and get back the identifier needed to remove it.
type IsolationAPI interface {
	Apply(ctx context.Context, target, reason string) (identifier string, err error)
	Remove(ctx context.Context, identifier string) error
}

// TicketService files tickets in an external tracker.
type TicketService interface {
	CreateTicket(ctx context.Context, target string, params map[string]interface{}) (ticketID string, err error)
}

// WebhookSender fires a generic HTTP webhook.
type WebhookSender interface {
	Trigger(ctx context.Context, url string, payload map[string]interface{}) error
}

// AlertNotifier delivers best-effort alerts.
type AlertNotifier interface {
	Notify(ctx context.Context, target, message string, params map[string]interface{}) error
}

// Providers bundles the external collaborators the executor dispatches to.
// Network covers block-ip and quarantine-identity; Cloud maps the cloud
// action types (isolate-instance, snapshot-volume, modify-security-group,
// update-iam-policy) to their provider APIs.
type Providers struct {
	Credentials CredentialService
	Identity    IdentityService
	Network     IsolationAPI
	Cloud       map[ActionType]IsolationAPI
	Notifier    AlertNotifier
	Ticketing   TicketService
	Webhooks    WebhookSender
}

// Simulator implements every provider interface deterministically in memory.
// It backs tests and local development, and counts every call so dry-run
// purity is checkable.
type Simulator struct {
	mu sync.Mutex

	calls        map[string]int
	userStatus   map[string]string
	tokenStatus  map[string]string
	appliedRules map[string]string // identifier -> target

	// FailNext makes the next call of the named operation fail.
	failNext map[string]error
}

// NewSimulator creates an empty simulator.
func NewSimulator() *Simulator {
	return &Simulator{
		calls:        make(map[string]int),
		userStatus:   make(map[string]string),
		tokenStatus:  make(map[string]string),
		appliedRules: make(map[string]string),
		failNext:     make(map[string]error),
	}
}

// Calls returns how many times an operation was invoked.
func (s *Simulator) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// TotalCalls returns the total number of external calls made.
func (s *Simulator) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// FailNext makes the next invocation of op return err.
func (s *Simulator) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = err
}

// SetUserState seeds a user's status.
func (s *Simulator) SetUserState(userID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userStatus[userID] = status
}

// HasRule reports whether an applied rule identifier is still active.
func (s *Simulator) HasRule(identifier string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.appliedRules[identifier]
	return ok
}

func (s *Simulator) record(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if err, ok := s.failNext[op]; ok {
		delete(s.failNext, op)
		return err
	}
	return nil
}

func (s *Simulator) Rotate(ctx context.Context, target string, params map[string]interface{}) (*CredentialRotation, error) {
	if err := s.record("credentials.rotate"); err != nil {
		return nil, err
	}
	return &CredentialRotation{
		NewCredentialID: "cred-" + uuid.NewString(),
		OldCredentialID: "old-" + target,
	}, nil
}

func (s *Simulator) Delete(ctx context.Context, credentialID string) error {
	return s.record("credentials.delete")
}

func (s *Simulator) SetUserStatus(ctx context.Context, userID, status string) (string, error) {
	if err := s.record("identity.set_status"); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.userStatus[userID]
	if !ok {
		prev = "active"
	}
	s.userStatus[userID] = status
	return prev, nil
}

func (s *Simulator) RevokeToken(ctx context.Context, tokenID string) (string, error) {
	if err := s.record("identity.revoke_token"); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.tokenStatus[tokenID]
	if !ok {
		prev = "active"
	}
	s.tokenStatus[tokenID] = "revoked"
	return prev, nil
}

func (s *Simulator) RestoreToken(ctx context.Context, tokenID, status string) error {
	if err := s.record("identity.restore_token"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenStatus[tokenID] = status
	return nil
}

func (s *Simulator) Apply(ctx context.Context, target, reason string) (string, error) {
	if err := s.record("isolation.apply"); err != nil {
		return "", err
	}
	id := fmt.Sprintf("rule-%s", uuid.NewString())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appliedRules[id] = target
	return id, nil
}

func (s *Simulator) Remove(ctx context.Context, identifier string) error {
	if err := s.record("isolation.remove"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.appliedRules, identifier)
	return nil
}

func (s *Simulator) CreateTicket(ctx context.Context, target string, params map[string]interface{}) (string, error) {
	if err := s.record("ticketing.create"); err != nil {
		return "", err
	}
	return "TKT-" + uuid.NewString()[:8], nil
}

func (s *Simulator) Trigger(ctx context.Context, url string, payload map[string]interface{}) error {
	return s.record("webhook.trigger")
}

func (s *Simulator) Notify(ctx context.Context, target, message string, params map[string]interface{}) error {
	return s.record("notify.send")
}

// SimulatedProviders wires one Simulator behind every provider slot.
func SimulatedProviders(sim *Simulator) Providers {
	return Providers{
		Credentials: sim,
		Identity:    sim,
		Network:     sim,
		Cloud: map[ActionType]IsolationAPI{
			ActionIsolateInstance:     sim,
			ActionSnapshotVolume:      sim,
			ActionModifySecurityGroup: sim,
			ActionUpdateIAMPolicy:     sim,
		},
		Notifier:  sim,
		Ticketing: sim,
		Webhooks:  sim,
	}
}
