// Package custody adapts the custodial backend that holds real funds: a
// NATS request/reply bridge for production and an in-memory book for tests
// and local runs.
package custody

import (
	"context"
	"fmt"
	"sync"

	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/router"

	"github.com/holiman/uint256"
)

// Memory is an in-process custodian. Reported totals are set explicitly,
// pulls draw down a per-asset float, and transfers are recorded in order.
type Memory struct {
	mu        sync.Mutex
	reported  map[string]*uint256.Int
	float     map[string]*uint256.Int
	transfers []router.Transfer
	failNext  error
}

func NewMemory() *Memory {
	return &Memory{
		reported: make(map[string]*uint256.Int),
		float:    make(map[string]*uint256.Int),
	}
}

func reportKey(vault, asset string) string { return vault + "|" + asset }

// SetReported sets what ReportTotalAssets returns for (vault, asset).
func (m *Memory) SetReported(vault, asset string, total *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reported[reportKey(vault, asset)] = fpmath.Clone(total)
}

// Fund credits the custodian's float for asset.
func (m *Memory) Fund(asset string, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.float[asset]
	if cur == nil {
		cur = fpmath.Zero()
	}
	m.float[asset] = new(uint256.Int).Add(cur, amount)
}

// FailNext makes the next Pull or Transfer return err.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *Memory) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *Memory) ReportTotalAssets(_ context.Context, vault, asset string) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.reported[reportKey(vault, asset)]
	if !ok {
		return nil, fmt.Errorf("no report for %s:%s", vault, asset)
	}
	return fpmath.Clone(v), nil
}

func (m *Memory) Pull(_ context.Context, asset string, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	cur := m.float[asset]
	if cur == nil {
		cur = fpmath.Zero()
	}
	next, ok := fpmath.Sub(cur, amount)
	if !ok {
		return fmt.Errorf("custody float %s %s short of %s", cur.Dec(), asset, amount.Dec())
	}
	m.float[asset] = next
	return nil
}

func (m *Memory) Transfer(_ context.Context, t router.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	t.Amount = fpmath.Clone(t.Amount)
	m.transfers = append(m.transfers, t)
	return nil
}

// Transfers returns every transfer executed so far.
func (m *Memory) Transfers() []router.Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]router.Transfer, len(m.transfers))
	copy(out, m.transfers)
	return out
}
