package contracts

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/eqswap/positions-engine/internal/domain"
	"github.com/eqswap/positions-engine/internal/errs"
)

// RESTConfig holds the REST binding settings.
type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	APIKey  string        `yaml:"api_key"`
}

// RESTClient fetches contract rules from the contract service's HTTP API.
type RESTClient struct {
	http *resty.Client
}

// NewRESTClient builds a resty client with retries left to the caller's
// breaker; only the timeout lives here.
func NewRESTClient(cfg RESTConfig) *RESTClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &RESTClient{http: client}
}

// GetRules fetches GET /contracts/{id}/rules. 404 maps to ErrRulesNotFound;
// 5xx and transport failures classify transient.
func (c *RESTClient) GetRules(ctx context.Context, contractID string) (domain.ContractRules, error) {
	var rules domain.ContractRules
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&rules).
		SetPathParam("id", contractID).
		Get("/contracts/{id}/rules")
	if err != nil {
		return domain.ContractRules{}, errs.Newf(errs.KindTransient, "contract rules %s: %v", contractID, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return domain.ContractRules{}, fmt.Errorf("contract %s: %w", contractID, ErrRulesNotFound)
	case resp.StatusCode() >= 500:
		return domain.ContractRules{}, errs.Newf(errs.KindTransient, "contract rules %s: status %d", contractID, resp.StatusCode())
	case resp.IsError():
		return domain.ContractRules{}, fmt.Errorf("contract rules %s: status %d", contractID, resp.StatusCode())
	}
	return rules, nil
}

var _ ContractService = (*RESTClient)(nil)
