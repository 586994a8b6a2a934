package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polylearn/storage"
	"github.com/web3guy0/polylearn/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// APPROVAL - persisted pause points awaiting a human decision
// ═══════════════════════════════════════════════════════════════════════════════
//
//   awaiting_approval ──approve──▶ approved ──apply──▶ applied
//           └──────────reject────▶ rejected
//
// State lives in the store, so an approval granted before a restart is
// applied by Resume on the next start.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Applier carries out an approved request
type Applier func(ctx context.Context, req *types.ApprovalRequest, now time.Time) error

// Machine drives approval requests through their states
type Machine struct {
	store storage.ApprovalRepository

	mu       sync.RWMutex
	appliers map[string]Applier
}

// NewMachine creates a state machine over the store
func NewMachine(store storage.ApprovalRepository) *Machine {
	return &Machine{store: store, appliers: make(map[string]Applier)}
}

// Register binds the applier for a request kind
func (m *Machine) Register(kind string, fn Applier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appliers[kind] = fn
}

// Request opens a new request in awaiting_approval
func (m *Machine) Request(ctx context.Context, kind string, modelID uint, payload map[string]string, now time.Time) (*types.ApprovalRequest, error) {
	req := &types.ApprovalRequest{
		Kind:      kind,
		ModelID:   modelID,
		Payload:   payload,
		Status:    types.ApprovalAwaiting,
		CreatedAt: now,
	}
	if err := m.store.CreateApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	log.Info().Uint("request", req.ID).Str("kind", kind).Uint("model", modelID).Msg("⏸️ Awaiting approval")
	return req, nil
}

// Resolve is the resume event. An approval is applied immediately.
func (m *Machine) Resolve(ctx context.Context, id uint, approve bool, note string, now time.Time) (*types.ApprovalRequest, error) {
	to := types.ApprovalRejected
	if approve {
		to = types.ApprovalApproved
	}
	req, err := m.store.TransitionApproval(ctx, id, types.ApprovalAwaiting, to, note, now)
	if err != nil {
		return nil, fmt.Errorf("resolve approval %d: %w", id, err)
	}
	log.Info().Uint("request", id).Str("status", string(req.Status)).Msg("Approval resolved")

	if !approve {
		return req, nil
	}
	return m.Apply(ctx, id, now)
}

// Apply runs the applier of an approved request and marks it applied
func (m *Machine) Apply(ctx context.Context, id uint, now time.Time) (*types.ApprovalRequest, error) {
	req, err := m.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != types.ApprovalApproved {
		return nil, fmt.Errorf("apply approval %d in state %s: %w", id, req.Status, storage.ErrNotAwaiting)
	}

	m.mu.RLock()
	fn, ok := m.appliers[req.Kind]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no applier registered for %q", req.Kind)
	}

	if err := fn(ctx, req, now); err != nil {
		return nil, fmt.Errorf("apply %s: %w", req.Kind, err)
	}
	return m.store.TransitionApproval(ctx, id, types.ApprovalApproved, types.ApprovalApplied, "", now)
}

// Resume applies requests that were approved but not yet applied
func (m *Machine) Resume(ctx context.Context, now time.Time) (int, error) {
	pending, err := m.store.PendingApprovals(ctx)
	if err != nil {
		return 0, fmt.Errorf("pending approvals: %w", err)
	}
	applied := 0
	for _, req := range pending {
		if req.Status != types.ApprovalApproved {
			continue
		}
		if _, err := m.Apply(ctx, req.ID, now); err != nil {
			log.Error().Err(err).Uint("request", req.ID).Msg("Failed to resume approval")
			continue
		}
		applied++
	}
	return applied, nil
}

// Pending lists requests still awaiting a decision or application
func (m *Machine) Pending(ctx context.Context) ([]types.ApprovalRequest, error) {
	return m.store.PendingApprovals(ctx)
}
