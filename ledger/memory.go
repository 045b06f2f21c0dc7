package ledger

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/ruteri/compute-wallet-billing/interfaces"
)

// MemoryLedger is an in-memory implementation of interfaces.Ledger for tests
// and local development. Transfers settle instantly unless a fault is queued.
type MemoryLedger struct {
	mutex    sync.RWMutex
	balances map[string]interfaces.Lamports
	statuses map[string]interfaces.TransferStatus
	faults   []fault
	calls    map[string]int
	// FeeLamports is charged to the sender of every transfer.
	FeeLamports interfaces.Lamports
}

type fault struct {
	err  error
	land bool
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]interfaces.Lamports),
		statuses: make(map[string]interfaces.TransferStatus),
		calls:    make(map[string]int),
	}
}

// Fund credits address with amount.
func (m *MemoryLedger) Fund(address string, amount interfaces.Lamports) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.balances[address] += amount
}

// Balance returns the balance of address without counting a call.
func (m *MemoryLedger) Balance(address string) interfaces.Lamports {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.balances[address]
}

// FailNextTransfer makes the next transfer return err without moving funds.
func (m *MemoryLedger) FailNextTransfer(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.faults = append(m.faults, fault{err: err})
}

// TimeoutNextTransfer makes the next transfer report ErrRpcTimeout. When land
// is true the funds move and the signature later reports confirmed;
// otherwise the signature stays unknown.
func (m *MemoryLedger) TimeoutNextTransfer(land bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.faults = append(m.faults, fault{err: interfaces.ErrRpcTimeout, land: land})
}

// SetStatus overrides the status reported for signature.
func (m *MemoryLedger) SetStatus(signature string, status interfaces.TransferStatus) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.statuses[signature] = status
}

// Calls returns how many times operation was invoked.
func (m *MemoryLedger) Calls(operation string) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.calls[operation]
}

// GetBalance returns the balance of address.
func (m *MemoryLedger) GetBalance(ctx context.Context, address string) (interfaces.Lamports, error) {
	if _, err := ParseAddress(address); err != nil {
		return 0, err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.calls["get_balance"]++
	return m.balances[address], nil
}

// Transfer moves funds between two accounts.
func (m *MemoryLedger) Transfer(ctx context.Context, signer solana.PrivateKey, to string, amount interfaces.Lamports) (*interfaces.Confirmation, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: transfer amount must be positive", interfaces.ErrValidation)
	}
	if len(signer) != 64 {
		return nil, fmt.Errorf("%w: invalid signing key", interfaces.ErrValidation)
	}
	if _, err := ParseAddress(to); err != nil {
		return nil, err
	}
	from := signer.PublicKey().String()
	if from == to {
		return nil, fmt.Errorf("%w: sender and recipient are the same account", interfaces.ErrValidation)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.calls["transfer"]++

	confirmation := &interfaces.Confirmation{
		Signature: randomSignature(),
		Status:    interfaces.TransferPending,
		Amount:    amount,
	}

	var f *fault
	if len(m.faults) > 0 {
		f = &m.faults[0]
		m.faults = m.faults[1:]
	}
	if f != nil && !f.land {
		if f.err == interfaces.ErrRpcTimeout {
			return confirmation, fmt.Errorf("%w: injected", interfaces.ErrRpcTimeout)
		}
		confirmation.Status = interfaces.TransferFailed
		return confirmation, f.err
	}

	if m.balances[from] < amount+m.FeeLamports {
		confirmation.Status = interfaces.TransferFailed
		return confirmation, fmt.Errorf("%w: balance %d below %d", interfaces.ErrInsufficientLedgerFunds, m.balances[from], amount+m.FeeLamports)
	}
	m.balances[from] -= amount + m.FeeLamports
	m.balances[to] += amount
	m.statuses[confirmation.Signature] = interfaces.TransferConfirmed

	if f != nil {
		return confirmation, fmt.Errorf("%w: injected", interfaces.ErrRpcTimeout)
	}
	confirmation.Status = interfaces.TransferConfirmed
	return confirmation, nil
}

// Status reports the status of a transfer made through this ledger.
func (m *MemoryLedger) Status(ctx context.Context, signature string) (interfaces.TransferStatus, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.calls["status"]++
	status, ok := m.statuses[signature]
	if !ok {
		return interfaces.TransferUnknown, nil
	}
	return status, nil
}

// RequestAirdrop credits address.
func (m *MemoryLedger) RequestAirdrop(ctx context.Context, address string, amount interfaces.Lamports) (string, error) {
	if amount == 0 {
		return "", fmt.Errorf("%w: airdrop amount must be positive", interfaces.ErrValidation)
	}
	if _, err := ParseAddress(address); err != nil {
		return "", err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.calls["airdrop"]++
	m.balances[address] += amount
	sig := randomSignature()
	m.statuses[sig] = interfaces.TransferConfirmed
	return sig, nil
}

func randomSignature() string {
	var sig solana.Signature
	_, _ = rand.Read(sig[:])
	return sig.String()
}
