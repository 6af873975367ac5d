package contracts

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/eqswap/positions-engine/internal/domain"
)

// BreakerSettings configures the circuit breaker around a ContractService.
type BreakerSettings struct {
	MaxRequests  uint32        // requests allowed when half-open
	Interval     time.Duration // counts reset interval
	Timeout      time.Duration // how long the circuit stays open
	MinRequests  uint32        // minimum requests before tripping
	FailureRatio float64       // failure ratio threshold
}

// DefaultBreakerSettings mirror the engine's tolerance for a flapping
// contract service: trip fast, recover within a minute.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// BreakerService wraps a ContractService with a circuit breaker. While the
// circuit is open, lookups fail immediately and Resolve falls back to the
// default method, keeping the hotpath moving.
type BreakerService struct {
	inner   ContractService
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerService builds the wrapper.
func NewBreakerService(inner ContractService, settings BreakerSettings, log zerolog.Logger) *BreakerService {
	blog := log.With().Str("component", "contract-breaker").Logger()
	return &BreakerService{
		inner: inner,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "ContractService",
			MaxRequests: settings.MaxRequests,
			Interval:    settings.Interval,
			Timeout:     settings.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests == 0 || counts.Requests < settings.MinRequests {
					return false
				}
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= settings.FailureRatio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				blog.Warn().Str("from", from.String()).Str("to", to.String()).
					Msg("circuit breaker state changed")
			},
		}),
	}
}

// GetRules executes the lookup through the breaker.
func (b *BreakerService) GetRules(ctx context.Context, contractID string) (domain.ContractRules, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.GetRules(ctx, contractID)
	})
	if err != nil {
		return domain.ContractRules{}, err
	}
	rules, ok := res.(domain.ContractRules)
	if !ok {
		return domain.ContractRules{}, ErrRulesNotFound
	}
	return rules, nil
}

var _ ContractService = (*BreakerService)(nil)
