package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"stakeengine/pkg/config"
	"stakeengine/pkg/errutil"
	"stakeengine/pkg/repository"
	"stakeengine/services/escrow"
	"stakeengine/services/notification"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service adapts the external payment provider: it issues signed payment
// intents and consumes the provider's webhook deliveries.
type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	secret   []byte
	escrow   *escrow.Service
	notifier *notification.Dispatcher

	intents repository.Repository[PaymentIntent]
	events  repository.Repository[WebhookEvent]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Escrow   *escrow.Service
	Notifier *notification.Dispatcher `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		secret:   []byte(p.Config.Provider.WebhookSecret),
		escrow:   p.Escrow,
		notifier: p.Notifier,

		intents: repository.ProvideStore[PaymentIntent](p.DB),
		events:  repository.ProvideStore[WebhookEvent](p.DB),
	}
}

func traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
}

type IntentParams struct {
	StakeID  string
	EscrowID string
	UserID   string
	Amount   int64
	Currency string
}

// CreateIntent issues a provider payment intent bound to a stake and its
// escrow. The client secret is an HMAC over the intent identity, so the
// client cannot tamper with amount or currency.
func (s *Service) CreateIntent(ctx context.Context, tx *gorm.DB, p IntentParams) (*PaymentIntent, error) {
	now := time.Now().UTC()
	intent := &PaymentIntent{
		ID:                s.node.Generate().String(),
		StakeID:           p.StakeID,
		EscrowID:          p.EscrowID,
		UserID:            p.UserID,
		Amount:            p.Amount,
		Currency:          p.Currency,
		ProviderReference: uuid.NewString(),
		Status:            IntentStatusCreated,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	intent.ClientSecret = s.clientSecret(intent)

	if err := s.intents.WithTrx(tx).Create(ctx, intent); err != nil {
		return nil, err
	}

	return intent, nil
}

func (s *Service) clientSecret(intent *PaymentIntent) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%s|%d|%s", intent.ID, intent.StakeID, intent.Amount, intent.Currency)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign computes the webhook signature for a payload. Exported so tests and
// the provider simulator produce exactly what VerifySignature expects.
func (s *Service) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the provider signature in constant time.
func (s *Service) VerifySignature(payload []byte, signature string) bool {
	expected := s.Sign(payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// HandleWebhook verifies, dedups and dispatches one provider delivery.
// Redelivered events are recorded no-ops.
func (s *Service) HandleWebhook(ctx context.Context, rawBody []byte, signature string) error {
	if !s.VerifySignature(rawBody, signature) {
		return errutil.BadGateway("webhook signature mismatch", nil)
	}

	var envelope WebhookEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return errutil.BadRequest("malformed webhook payload", err)
	}
	if envelope.ID == "" || envelope.Type == "" {
		return errutil.BadRequest("webhook payload missing id or type", nil)
	}

	event, err := s.recordEvent(ctx, &envelope, rawBody)
	if err != nil {
		return err
	}
	if event.Processed {
		zap.L().With(traceFields(ctx)...).Info("duplicate webhook delivery ignored",
			zap.String("provider_event_id", envelope.ID))
		return nil
	}

	// an event recorded but not yet marked processed failed a previous
	// dispatch; the provider's retry runs it again. Dispatch targets are
	// replay-safe, so a crash between dispatch and the mark is harmless.
	if err := s.dispatch(ctx, &envelope); err != nil {
		return err
	}

	return s.markProcessed(ctx, envelope.ID)
}

// recordEvent inserts the dedup row first, so a concurrent redelivery loses
// on the primary key instead of double-processing.
func (s *Service) recordEvent(ctx context.Context, envelope *WebhookEnvelope, rawBody []byte) (*WebhookEvent, error) {
	if exist, err := s.events.FindOne(ctx, &WebhookEvent{ProviderEventID: envelope.ID}); err != nil {
		return nil, err
	} else if exist != nil {
		return exist, nil
	}

	event := &WebhookEvent{
		ProviderEventID: envelope.ID,
		Type:            envelope.Type,
		Payload:         datatypes.JSON(rawBody),
		ReceivedAt:      time.Now().UTC(),
	}
	if err := s.events.Create(ctx, event); err != nil {
		// losing the insert race means another delivery got there first
		if exist, findErr := s.events.FindOne(ctx, &WebhookEvent{ProviderEventID: envelope.ID}); findErr == nil && exist != nil {
			return exist, nil
		}
		return nil, err
	}

	return event, nil
}

func (s *Service) markProcessed(ctx context.Context, eventID string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&WebhookEvent{}).
		Where("provider_event_id = ?", eventID).
		Updates(map[string]any{
			"processed":    true,
			"processed_at": now,
		}).Error
}

func (s *Service) dispatch(ctx context.Context, envelope *WebhookEnvelope) error {
	intent, err := s.intents.FindOne(ctx, &PaymentIntent{ID: envelope.Data.IntentID})
	if err != nil {
		return err
	}
	if intent == nil {
		return errutil.NotFound("payment intent not found", nil)
	}

	switch envelope.Type {
	case EventIntentSucceeded:
		if err := s.escrow.ConfirmHold(ctx, intent.EscrowID, intent.ProviderReference); err != nil {
			return err
		}
		if err := s.markIntent(ctx, intent.ID, IntentStatusSucceeded); err != nil {
			return err
		}
		s.notifier.EscrowHeld(ctx, intent.UserID, intent.StakeID)
		return nil

	case EventIntentFailed:
		if err := s.escrow.RevertToPending(ctx, intent.EscrowID); err != nil {
			return err
		}
		return s.markIntent(ctx, intent.ID, IntentStatusFailed)

	case EventChargeRefunded:
		return s.escrow.MarkRefunded(ctx, intent.EscrowID)

	default:
		zap.L().With(traceFields(ctx)...).Warn("unhandled webhook type", zap.String("type", envelope.Type))
		return nil
	}
}

func (s *Service) markIntent(ctx context.Context, intentID, status string) error {
	return s.intents.Update(ctx, intentID, map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	})
}
