// Package settlement is the boundary between the internal ledger and
// whatever rail eventually moves real value. The ledger is authoritative
// the moment a transaction commits; a driver receipt only annotates the
// payment with its external settlement status.
package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

//go:generate mockgen -source=driver.go -destination=mock_driver.go -package=settlement

// Request describes one committed payment to settle externally.
type Request struct {
	PaymentID  string
	TxID       string
	FromWallet string
	ToWallet   string
	Amount     decimal.Decimal
	Currency   string
}

// Receipt is a driver's acknowledgement. Confirmed means the external
// rail considers the transfer final; an unconfirmed receipt leaves the
// payment un-settled until a later reconciliation pass.
type Receipt struct {
	Driver      string    `json:"driver"`
	Reference   string    `json:"reference"`
	Confirmed   bool      `json:"confirmed"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Driver submits settlements to an external rail.
type Driver interface {
	Name() string
	Submit(ctx context.Context, req *Request) (*Receipt, error)
}

// NoopDriver confirms instantly without touching any external system.
// It is the default wiring; platforms running purely on internal balances
// never need anything else.
type NoopDriver struct{}

func (NoopDriver) Name() string { return "noop" }

func (NoopDriver) Submit(_ context.Context, _ *Request) (*Receipt, error) {
	return &Receipt{
		Driver:      "noop",
		Reference:   "settle_" + uuid.NewString(),
		Confirmed:   true,
		SubmittedAt: time.Now().UTC(),
	}, nil
}
