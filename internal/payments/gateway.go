package payments

import "context"

// OrderStatusCompleted is the only provider status that may be credited.
const OrderStatusCompleted = "COMPLETED"

// ProviderOrder is the verified view of an order at the payment provider.
type ProviderOrder struct {
	OrderID     string
	Status      string
	AmountCents int64
	Currency    string
	RawResponse string
}

// Completed reports whether the order reached the terminal paid state.
func (order ProviderOrder) Completed() bool {
	return order.Status == OrderStatusCompleted
}

// ProviderGateway retrieves and verifies orders at the external payment
// provider. Called outside the ledger transaction so the account row is
// never locked across a network round trip.
type ProviderGateway interface {
	GetOrder(ctx context.Context, orderID string) (ProviderOrder, error)
}
