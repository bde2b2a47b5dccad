package payment

import (
	"time"

	"gorm.io/datatypes"
)

const (
	IntentStatusCreated   = "created"
	IntentStatusSucceeded = "succeeded"
	IntentStatusFailed    = "failed"
)

// Webhook event types accepted from the provider.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
	EventChargeRefunded  = "charge.refunded"
)

type PaymentIntent struct {
	ID                string    `gorm:"column:id;primaryKey"`
	StakeID           string    `gorm:"column:stake_id;index"`
	EscrowID          string    `gorm:"column:escrow_id;index"`
	UserID            string    `gorm:"column:user_id;index"`
	Amount            int64     `gorm:"column:amount"`
	Currency          string    `gorm:"column:currency;type:varchar(3)"`
	ProviderReference string    `gorm:"column:provider_reference;uniqueIndex"`
	ClientSecret      string    `gorm:"column:client_secret"`
	Status            string    `gorm:"column:status;type:varchar(16)"`
	CreatedAt         time.Time `gorm:"column:created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at"`
}

// WebhookEvent is the dedup row for provider deliveries. The provider event
// id is the primary key; Processed flips only after dispatch succeeds, so a
// retry of a failed delivery runs the dispatch again instead of being
// swallowed as a duplicate.
type WebhookEvent struct {
	ProviderEventID string         `gorm:"column:provider_event_id;primaryKey"`
	Type            string         `gorm:"column:type"`
	Payload         datatypes.JSON `gorm:"column:payload"`
	Processed       bool           `gorm:"column:processed"`
	ProcessedAt     *time.Time     `gorm:"column:processed_at"`
	ReceivedAt      time.Time      `gorm:"column:received_at"`
}

type WebhookEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		IntentID          string `json:"intent_id"`
		ProviderReference string `json:"provider_reference"`
	} `json:"data"`
}
