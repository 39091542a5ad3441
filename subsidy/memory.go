package subsidy

import (
	"context"
	"sync"

	"github.com/warp/subsidy-engine/ledger"
)

// MemoryStore is the in-memory Store for tests and development.
type MemoryStore struct {
	mu        sync.Mutex
	subsidies map[string]Subsidy
	order     []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subsidies: make(map[string]Subsidy)}
}

func (m *MemoryStore) CreateSubsidy(_ context.Context, sub Subsidy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subsidies[sub.UUID] = sub
	m.order = append(m.order, sub.UUID)
	return nil
}

func (m *MemoryStore) GetSubsidy(_ context.Context, uuid string) (*Subsidy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subsidies[uuid]
	if !ok {
		return nil, ErrSubsidyNotFound
	}
	return &sub, nil
}

func (m *MemoryStore) GetSubsidyByReference(_ context.Context, referenceID string) (*Subsidy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, uuid := range m.order {
		sub := m.subsidies[uuid]
		if sub.ReferenceID == referenceID && !sub.InternalOnly {
			return &sub, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) GetSubsidyByLedger(_ context.Context, id ledger.LedgerID) (*Subsidy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, uuid := range m.order {
		sub := m.subsidies[uuid]
		if sub.LedgerID == id {
			return &sub, nil
		}
	}
	return nil, ErrSubsidyNotFound
}

func (m *MemoryStore) ListSubsidies(_ context.Context, customerUUID string) ([]Subsidy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Subsidy
	for _, uuid := range m.order {
		sub := m.subsidies[uuid]
		if customerUUID == "" || sub.EnterpriseCustomerUUID == customerUUID {
			out = append(out, sub)
		}
	}
	return out, nil
}
