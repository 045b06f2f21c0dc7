package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ruteri/compute-wallet-billing/interfaces"
)

// Memory is an in-process store for development and tests. Values are
// copied on the way in and out.
type Memory struct {
	mu          sync.RWMutex
	wallets     map[interfaces.UserID]interfaces.WalletAccount
	checkpoints map[string]interfaces.BillingCheckpoint
	records     map[string]interfaces.BillingRecord
	users       map[interfaces.UserID]interfaces.Identity
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		wallets:     make(map[interfaces.UserID]interfaces.WalletAccount),
		checkpoints: make(map[string]interfaces.BillingCheckpoint),
		records:     make(map[string]interfaces.BillingRecord),
		users:       make(map[interfaces.UserID]interfaces.Identity),
	}
}

// AddUser registers an identity for LookupUser.
func (m *Memory) AddUser(id interfaces.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id.UserID] = id
}

func (m *Memory) LookupUser(_ context.Context, id interfaces.UserID) (*interfaces.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, interfaces.ErrRecordNotFound
	}
	return &u, nil
}

func (m *Memory) GetWallet(_ context.Context, owner interfaces.UserID) (*interfaces.WalletAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[owner]
	if !ok {
		return nil, interfaces.ErrWalletNotFound
	}
	return &w, nil
}

func (m *Memory) CreateWallet(_ context.Context, w *interfaces.WalletAccount) (*interfaces.WalletAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.wallets[w.OwnerID]; ok {
		return &existing, nil
	}
	stored := *w
	m.wallets[w.OwnerID] = stored
	return &stored, nil
}

func (m *Memory) CreateCheckpoint(_ context.Context, c *interfaces.BillingCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[c.ResourceID] = *c
	return nil
}

func (m *Memory) GetCheckpoint(_ context.Context, resourceID string) (*interfaces.BillingCheckpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checkpoints[resourceID]
	if !ok {
		return nil, interfaces.ErrRecordNotFound
	}
	return &c, nil
}

func (m *Memory) UpdateCheckpoint(_ context.Context, c *interfaces.BillingCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkpoints[c.ResourceID]; !ok {
		return interfaces.ErrRecordNotFound
	}
	m.checkpoints[c.ResourceID] = *c
	return nil
}

func (m *Memory) ListCheckpoints(_ context.Context, filter interfaces.CheckpointFilter) ([]*interfaces.BillingCheckpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*interfaces.BillingCheckpoint
	for _, c := range m.checkpoints {
		if filter.OwnerID != "" && c.OwnerID != filter.OwnerID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, c.Status) {
			continue
		}
		c := c
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LaunchedAt.Before(result[j].LaunchedAt)
	})
	return result, nil
}

func (m *Memory) CreateRecord(_ context.Context, r *interfaces.BillingRecord) error {
	if _, err := lamportsToColumn(r.AmountLamports); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = *r
	return nil
}

func (m *Memory) UpdateRecord(_ context.Context, r *interfaces.BillingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.ID]; !ok {
		return interfaces.ErrRecordNotFound
	}
	m.records[r.ID] = *r
	return nil
}

func (m *Memory) GetRecord(_ context.Context, id string) (*interfaces.BillingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, interfaces.ErrRecordNotFound
	}
	return &r, nil
}

func (m *Memory) ListRecordsByPhase(_ context.Context, phase interfaces.BillingPhase) ([]*interfaces.BillingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*interfaces.BillingRecord
	for _, r := range m.records {
		if r.Phase != phase {
			continue
		}
		r := r
		result = append(result, &r)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Records returns every record, oldest first.
func (m *Memory) Records() []interfaces.BillingRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]interfaces.BillingRecord, 0, len(m.records))
	for _, r := range m.records {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func containsStatus(statuses []interfaces.ResourceStatus, s interfaces.ResourceStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
