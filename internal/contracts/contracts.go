// Package contracts looks up the per-contract tax-lot policy. The engine
// only ever sees the ContractService interface; the composition root picks
// the REST or mock binding and stacks the circuit-breaker and caching
// middlewares on top.
package contracts

import (
	"context"
	"errors"

	"github.com/eqswap/positions-engine/internal/domain"
)

// ErrRulesNotFound means the contract has no configured rules; callers
// substitute defaults.
var ErrRulesNotFound = errors.New("contracts: rules not found")

// ContractService resolves the rules for a contract id.
type ContractService interface {
	GetRules(ctx context.Context, contractID string) (domain.ContractRules, error)
}

// Resolve fetches rules, substituting the default method on any lookup miss
// or failure. A contract service outage degrades the engine to the default
// method rather than stalling the hotpath.
func Resolve(ctx context.Context, svc ContractService, contractID string, defaultMethod domain.TaxLotMethod) domain.ContractRules {
	if contractID == "" || svc == nil {
		return domain.DefaultContractRules(contractID, defaultMethod)
	}
	rules, err := svc.GetRules(ctx, contractID)
	if err != nil || !rules.TaxLotMethod.Valid() {
		return domain.DefaultContractRules(contractID, defaultMethod)
	}
	return rules
}

// Mock is a fixed-rules service for tests and the mock binding.
type Mock struct {
	Rules map[string]domain.ContractRules
}

// NewMock creates an empty mock; lookups miss until rules are added.
func NewMock() *Mock {
	return &Mock{Rules: make(map[string]domain.ContractRules)}
}

// GetRules returns the configured rules or ErrRulesNotFound.
func (m *Mock) GetRules(_ context.Context, contractID string) (domain.ContractRules, error) {
	rules, ok := m.Rules[contractID]
	if !ok {
		return domain.ContractRules{}, ErrRulesNotFound
	}
	return rules, nil
}

var _ ContractService = (*Mock)(nil)
