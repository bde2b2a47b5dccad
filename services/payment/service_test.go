package payment

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"stakeengine/pkg/config"
	"stakeengine/pkg/errutil"
	"stakeengine/services/escrow"
	"stakeengine/services/testutil"
	"stakeengine/services/wallet"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type testEnv struct {
	svc    *Service
	escrow *escrow.Service
	wallet *wallet.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testutil.NewTestDB(t,
		&wallet.Wallet{}, &wallet.WalletTransaction{},
		&escrow.EscrowTransaction{}, &PaymentIntent{}, &WebhookEvent{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{Policy: config.DefaultPolicy()}
	cfg.Provider.WebhookSecret = "test-secret"

	w := wallet.NewService(wallet.ServiceParams{DB: db, Node: node})
	esc := escrow.NewService(escrow.ServiceParams{DB: db, Node: node, Config: cfg, Wallet: w})
	svc := NewService(ServiceParams{DB: db, Node: node, Config: cfg, Escrow: esc})

	return &testEnv{svc: svc, escrow: esc, wallet: w}
}

// newIntent opens a pending escrow with its payment intent, the state a
// stake is in right after creation.
func (e *testEnv) newIntent(t *testing.T) *PaymentIntent {
	t.Helper()
	ctx := context.Background()

	var intent *PaymentIntent
	err := e.svc.db.Transaction(func(tx *gorm.DB) error {
		esc, createErr := e.escrow.Create(ctx, tx, escrow.CreateParams{
			StakeID: "stake-" + e.svc.node.Generate().String(),
			UserID:  "user-1", Amount: 10000, Currency: "USD",
		})
		if createErr != nil {
			return createErr
		}

		intent, createErr = e.svc.CreateIntent(ctx, tx, IntentParams{
			StakeID: esc.StakeID, EscrowID: esc.ID, UserID: "user-1",
			Amount: 10000, Currency: "USD",
		})
		return createErr
	})
	require.NoError(t, err)
	return intent
}

func (e *testEnv) envelope(t *testing.T, eventID, eventType, intentID string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":   eventID,
		"type": eventType,
		"data": map[string]any{"intent_id": intentID},
	})
	require.NoError(t, err)
	return body
}

func TestHandleWebhookSignatureMismatch(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"id":"evt-1","type":"payment_intent.succeeded"}`)

	err := env.svc.HandleWebhook(context.Background(), body, "bad-signature")
	require.Error(t, err)
	require.True(t, errutil.IsStatus(err, errutil.StatusBadGateway))
}

func TestHandleWebhookMalformedPayload(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`not json`)

	err := env.svc.HandleWebhook(context.Background(), body, env.svc.Sign(body))
	require.Error(t, err)
	require.True(t, errutil.IsStatus(err, errutil.StatusBadRequest))
}

func TestHandleWebhookSucceededHoldsEscrow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intent := env.newIntent(t)

	body := env.envelope(t, "evt-1", EventIntentSucceeded, intent.ID)
	require.NoError(t, env.svc.HandleWebhook(ctx, body, env.svc.Sign(body)))

	esc, err := env.escrow.Get(ctx, intent.EscrowID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusHeld, esc.Status)
	require.Equal(t, intent.ProviderReference, esc.ProviderReference)

	updated, err := env.svc.intents.FindOne(ctx, &PaymentIntent{ID: intent.ID})
	require.NoError(t, err)
	require.Equal(t, IntentStatusSucceeded, updated.Status)
}

func TestHandleWebhookDuplicateDelivery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intent := env.newIntent(t)

	body := env.envelope(t, "evt-1", EventIntentSucceeded, intent.ID)
	require.NoError(t, env.svc.HandleWebhook(ctx, body, env.svc.Sign(body)))
	require.NoError(t, env.svc.HandleWebhook(ctx, body, env.svc.Sign(body)))

	entries, err := env.wallet.ListEntries(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	esc, err := env.escrow.Get(ctx, intent.EscrowID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusHeld, esc.Status)
}

func TestHandleWebhookRetryAfterFailedDispatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intent := env.newIntent(t)

	esc, err := env.escrow.Get(ctx, intent.EscrowID)
	require.NoError(t, err)

	// make the first delivery fail mid-dispatch
	require.NoError(t, env.svc.db.Delete(&escrow.EscrowTransaction{}, "id = ?", intent.EscrowID).Error)

	body := env.envelope(t, "evt-1", EventIntentSucceeded, intent.ID)
	require.Error(t, env.svc.HandleWebhook(ctx, body, env.svc.Sign(body)))

	event, err := env.svc.events.FindOne(ctx, &WebhookEvent{ProviderEventID: "evt-1"})
	require.NoError(t, err)
	require.NotNil(t, event)
	require.False(t, event.Processed)

	// the provider retries the same event id once the store recovers
	require.NoError(t, env.svc.db.Create(esc).Error)
	require.NoError(t, env.svc.HandleWebhook(ctx, body, env.svc.Sign(body)))

	held, err := env.escrow.Get(ctx, intent.EscrowID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusHeld, held.Status)

	event, err = env.svc.events.FindOne(ctx, &WebhookEvent{ProviderEventID: "evt-1"})
	require.NoError(t, err)
	require.True(t, event.Processed)

	entries, err := env.wallet.ListEntries(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestHandleWebhookFailedRevertsEscrow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intent := env.newIntent(t)

	succeeded := env.envelope(t, "evt-1", EventIntentSucceeded, intent.ID)
	require.NoError(t, env.svc.HandleWebhook(ctx, succeeded, env.svc.Sign(succeeded)))

	failed := env.envelope(t, "evt-2", EventIntentFailed, intent.ID)
	require.NoError(t, env.svc.HandleWebhook(ctx, failed, env.svc.Sign(failed)))

	esc, err := env.escrow.Get(ctx, intent.EscrowID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusPending, esc.Status)
}

func TestHandleWebhookRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intent := env.newIntent(t)

	body := env.envelope(t, "evt-1", EventChargeRefunded, intent.ID)
	require.NoError(t, env.svc.HandleWebhook(ctx, body, env.svc.Sign(body)))

	esc, err := env.escrow.Get(ctx, intent.EscrowID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusRefunded, esc.Status)
}

func TestHandleWebhookUnknownIntent(t *testing.T) {
	env := newTestEnv(t)

	body := env.envelope(t, "evt-1", EventIntentSucceeded, "missing")
	err := env.svc.HandleWebhook(context.Background(), body, env.svc.Sign(body))
	require.Error(t, err)
	require.True(t, errutil.IsStatus(err, errutil.StatusNotFound))
}

func TestClientSecretBindsIntentIdentity(t *testing.T) {
	env := newTestEnv(t)
	intent := env.newIntent(t)

	require.NotEmpty(t, intent.ClientSecret)

	tampered := *intent
	tampered.Amount = 1
	require.NotEqual(t, env.svc.clientSecret(&tampered), intent.ClientSecret)
}
