package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultGatewayTimeout = 10 * time.Second
	maxGatewayResponse    = 1 << 20
)

// HTTPGateway verifies orders against the provider's orders API over HTTPS.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPGateway wires an HTTPGateway. A nil client falls back to a default
// with a request timeout.
func NewHTTPGateway(baseURL string, apiKey string, client *http.Client) (*HTTPGateway, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: gateway base url is empty", ErrInvalidServiceConfig)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultGatewayTimeout}
	}
	return &HTTPGateway{baseURL: trimmed, apiKey: apiKey, client: client}, nil
}

type providerOrderPayload struct {
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// GetOrder fetches the order and maps transport failures to
// ErrProviderUnavailable so callers know a retry is safe.
func (gateway *HTTPGateway) GetOrder(ctx context.Context, orderID string) (ProviderOrder, error) {
	endpoint := gateway.baseURL + "/v2/checkout/orders/" + url.PathEscape(orderID)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ProviderOrder{}, fmt.Errorf("build order request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if gateway.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+gateway.apiKey)
	}

	response, err := gateway.client.Do(request)
	if err != nil {
		return ProviderOrder{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxGatewayResponse))
	if err != nil {
		return ProviderOrder{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	switch {
	case response.StatusCode == http.StatusNotFound:
		return ProviderOrder{}, ErrOrderNotFound
	case response.StatusCode >= http.StatusInternalServerError:
		return ProviderOrder{}, fmt.Errorf("%w: provider returned %d", ErrProviderUnavailable, response.StatusCode)
	case response.StatusCode != http.StatusOK:
		return ProviderOrder{}, fmt.Errorf("provider returned %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload providerOrderPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return ProviderOrder{}, fmt.Errorf("decode provider response: %w", err)
	}
	return ProviderOrder{
		OrderID:     payload.OrderID,
		Status:      payload.Status,
		AmountCents: payload.AmountCents,
		Currency:    payload.Currency,
		RawResponse: string(body),
	}, nil
}
