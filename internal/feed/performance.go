package feed

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"canary-pipeline/internal/domain"
)

// PerformanceClient implements ports.PerformanceDataProvider and
// ports.CorrelationMonitor against the performance-data service.
type PerformanceClient struct {
	c *client
}

// NewPerformanceClient creates a client for the service at endpoint.
func NewPerformanceClient(endpoint string, opts ...ClientOption) *PerformanceClient {
	return &PerformanceClient{c: newClient("performance_feed", endpoint, opts...)}
}

type outcomesRequest struct {
	AccountIDs []string  `json:"account_ids"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

type outcomesResponse struct {
	Outcomes []domain.TradeOutcome `json:"outcomes"`
}

// GetOutcomes returns realized trades of accountIDs closed within window.
// Trades outside the window or for other accounts are dropped.
func (p *PerformanceClient) GetOutcomes(ctx context.Context, accountIDs []string, window domain.TimeRange) ([]domain.TradeOutcome, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}
	var resp outcomesResponse
	req := outcomesRequest{AccountIDs: accountIDs, Start: window.Start.UTC(), End: window.End.UTC()}
	if err := p.c.do(ctx, http.MethodPost, "/v1/outcomes/query", req, &resp); err != nil {
		return nil, err
	}

	want := make(map[string]struct{}, len(accountIDs))
	for _, id := range accountIDs {
		want[id] = struct{}{}
	}
	out := resp.Outcomes[:0]
	for _, o := range resp.Outcomes {
		if _, ok := want[o.AccountID]; !ok {
			continue
		}
		if o.Timestamp.Before(window.Start) || !o.Timestamp.Before(window.End) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

type correlationResponse struct {
	Value     float64 `json:"value"`
	Available bool    `json:"available"`
}

// Correlation returns the latest correlation reading for testID.
// A 404 means no reading exists yet.
func (p *PerformanceClient) Correlation(ctx context.Context, testID string) (float64, bool, error) {
	var resp correlationResponse
	err := p.c.do(ctx, http.MethodGet, "/v1/correlation/"+url.PathEscape(testID), nil, &resp)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return 0, false, nil
		}
		return 0, false, err
	}
	return resp.Value, resp.Available, nil
}
