package feeds

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// SimProtocolAdapter simulates deposits and withdrawals against yield
// protocols. It satisfies yield.ProtocolAdapter and keeps its own ledger
// so drills can assert what moved where.
type SimProtocolAdapter struct {
	mu       sync.Mutex
	balances map[string]float64
}

func NewSimProtocolAdapter() *SimProtocolAdapter {
	return &SimProtocolAdapter{balances: make(map[string]float64)}
}

func (a *SimProtocolAdapter) Deposit(_ context.Context, protocol string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive, got %.2f", amount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[protocol] += amount
	log.Debug().Str("protocol", protocol).Float64("amount", amount).Msg("simulated deposit")
	return nil
}

func (a *SimProtocolAdapter) Withdraw(_ context.Context, protocol string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw amount must be positive, got %.2f", amount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.balances[protocol] < amount-1e-9 {
		return fmt.Errorf("protocol %s holds %.2f, cannot withdraw %.2f", protocol, a.balances[protocol], amount)
	}
	a.balances[protocol] -= amount
	log.Debug().Str("protocol", protocol).Float64("amount", amount).Msg("simulated withdrawal")
	return nil
}

// Balance reports the simulated holdings in one protocol.
func (a *SimProtocolAdapter) Balance(protocol string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balances[protocol]
}
