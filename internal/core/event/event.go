// Package event defines the platform event taxonomy and the publisher
// used to fan events out to delivery channels (webhooks, live streams).
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// APIVersion tags every emitted event payload. Consumers use it to select
// a decoding schema; it only changes on breaking payload changes.
const APIVersion = "2024-01"

// Type identifies a class of platform event. Values are stable wire strings.
type Type string

// Event type taxonomy.
const (
	TypePaymentInitiated  Type = "payment.initiated"
	TypePaymentCompleted  Type = "payment.completed"
	TypePaymentFailed     Type = "payment.failed"
	TypePaymentRefunded   Type = "payment.refunded"
	TypeWalletCreated     Type = "wallet.created"
	TypeWalletFunded      Type = "wallet.funded"
	TypeWalletUpdated     Type = "wallet.updated"
	TypeWalletDeactivated Type = "wallet.deactivated"
	TypeLimitExceeded     Type = "limit.exceeded"
	TypeLimitWarning      Type = "limit.warning"
	TypeLimitUpdated      Type = "limit.updated"
	TypeAgentCreated      Type = "agent.created"
	TypeAgentUpdated      Type = "agent.updated"
	TypeAgentDeactivated  Type = "agent.deactivated"
	TypeHoldCreated       Type = "hold.created"
	TypeHoldCaptured      Type = "hold.captured"
	TypeHoldVoided        Type = "hold.voided"
	TypeRiskAlert         Type = "risk.alert"
	TypeFraudDetected     Type = "fraud.detected"
	TypeServiceAuthorized Type = "service.authorized"
	TypeServiceRevoked    Type = "service.revoked"
	TypeInvoiceCreated    Type = "invoice.created"
	TypeInvoicePaid       Type = "invoice.paid"
	TypeMerchantPayout    Type = "merchant.payout"
)

// Event is the envelope delivered to every notification channel.
// Decimal values inside Data marshal as quoted strings and timestamps as
// RFC 3339, so the JSON form is canonical across channels.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Data       map[string]any `json:"data"`
	CreatedAt  time.Time      `json:"created_at"`
	APIVersion string         `json:"api_version"`
}

// New builds an event with a fresh id and the current UTC timestamp.
func New(t Type, data map[string]any) *Event {
	if data == nil {
		data = map[string]any{}
	}
	return &Event{
		ID:         "evt_" + uuid.NewString(),
		Type:       t,
		Data:       data,
		CreatedAt:  time.Now().UTC(),
		APIVersion: APIVersion,
	}
}

// Marshal renders the canonical JSON body used for delivery and signing.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
