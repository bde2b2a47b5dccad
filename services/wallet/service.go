package wallet

import (
	"context"
	"time"

	"stakeengine/pkg/db/option"
	"stakeengine/pkg/db/pagination"
	"stakeengine/pkg/errutil"
	"stakeengine/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service owns the per-user wallet and its append-only hash-chained
// transaction log. All aggregate mutations go through Apply; nothing else
// writes wallet balances.
type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	wallets repository.Repository[Wallet]
	entries repository.Repository[WalletTransaction]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		wallets: repository.ProvideStore[Wallet](p.DB),
		entries: repository.ProvideStore[WalletTransaction](p.DB),
	}
}

type EntryParams struct {
	UserID      string
	Currency    string
	Type        string
	Amount      int64 // signed balance delta
	Earned      int64
	Lost        int64
	Staked      int64
	StakeID     string
	ReferenceID string
	Description string
	Metadata    datatypes.JSON
}

func traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
}

// Ensure returns the user's wallet, creating it when absent. Safe to call
// inside a caller-owned transaction.
func (s *Service) Ensure(ctx context.Context, tx *gorm.DB, userID, currency string) (*Wallet, error) {
	walletTx := s.wallets.WithTrx(tx)

	w, err := walletTx.FindOne(ctx, &Wallet{UserID: userID})
	if err != nil {
		return nil, err
	}
	if w != nil {
		return w, nil
	}

	now := time.Now().UTC()
	w = &Wallet{
		ID:        s.node.Generate().String(),
		UserID:    userID,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := walletTx.Create(ctx, w); err != nil {
		return nil, err
	}

	return w, nil
}

// Apply appends a hash-chained entry and updates the wallet aggregates in
// one step. A duplicate ReferenceID returns Conflict so callers can treat
// replays as no-ops. Must run inside the caller's transaction.
func (s *Service) Apply(ctx context.Context, tx *gorm.DB, p EntryParams) (*WalletTransaction, error) {
	if tx == nil {
		var out *WalletTransaction
		err := s.db.Transaction(func(inner *gorm.DB) error {
			var applyErr error
			out, applyErr = s.Apply(ctx, inner, p)
			return applyErr
		})
		return out, err
	}

	entryTx := s.entries.WithTrx(tx)

	w, err := s.Ensure(ctx, tx.Scopes(option.LockingUpdate), p.UserID, p.Currency)
	if err != nil {
		return nil, err
	}

	if exist, err := entryTx.FindOne(ctx, &WalletTransaction{ReferenceID: p.ReferenceID}); err != nil {
		return nil, err
	} else if exist != nil {
		return nil, errutil.Conflict("wallet reference already applied", nil)
	}

	if p.Amount < 0 && w.Balance+p.Amount < 0 {
		return nil, errutil.ValidationFailed("insufficient wallet balance", nil)
	}

	previousHash := GenesisHash
	last, err := s.lastEntry(ctx, tx, w.ID)
	if err != nil {
		return nil, err
	}
	if last != nil {
		previousHash = last.Hash
	}

	entry := &WalletTransaction{
		ID:           s.node.Generate().String(),
		WalletID:     w.ID,
		UserID:       p.UserID,
		Type:         p.Type,
		Amount:       p.Amount,
		StakeID:      p.StakeID,
		ReferenceID:  p.ReferenceID,
		Description:  p.Description,
		PreviousHash: previousHash,
		Metadata:     p.Metadata,
		CreatedAt:    time.Now().UTC(),
	}
	entry.Hash = entry.GenerateHash()

	if err := entryTx.Create(ctx, entry); err != nil {
		return nil, err
	}

	updates := map[string]any{
		"balance":    gorm.Expr("balance + ?", p.Amount),
		"updated_at": time.Now().UTC(),
	}
	if p.Earned != 0 {
		updates["total_earned"] = gorm.Expr("total_earned + ?", p.Earned)
	}
	if p.Lost != 0 {
		updates["total_lost"] = gorm.Expr("total_lost + ?", p.Lost)
	}
	if p.Staked != 0 {
		updates["total_staked"] = gorm.Expr("total_staked + ?", p.Staked)
	}

	if err := s.wallets.WithTrx(tx).Update(ctx, w.ID, updates); err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to update wallet aggregates", zap.Error(err))
		return nil, err
	}

	return entry, nil
}

func (s *Service) lastEntry(ctx context.Context, tx *gorm.DB, walletID string) (*WalletTransaction, error) {
	return s.entries.WithTrx(tx).FindOne(ctx, &WalletTransaction{WalletID: walletID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
		option.WithLockingUpdate(),
	)
}

// BumpStreak increments the completion streak and stretches the longest
// streak when passed.
func (s *Service) BumpStreak(ctx context.Context, tx *gorm.DB, userID string) error {
	w, err := s.wallets.WithTrx(tx).FindOne(ctx, &Wallet{UserID: userID}, option.WithLockingUpdate())
	if err != nil {
		return err
	}
	if w == nil {
		return errutil.NotFound("wallet not found", nil)
	}

	current := w.CurrentStreak + 1
	updates := map[string]any{
		"current_streak": current,
		"updated_at":     time.Now().UTC(),
	}
	if current > w.LongestStreak {
		updates["longest_streak"] = current
	}

	return s.wallets.WithTrx(tx).Update(ctx, w.ID, updates)
}

func (s *Service) ResetStreak(ctx context.Context, tx *gorm.DB, userID string) error {
	w, err := s.wallets.WithTrx(tx).FindOne(ctx, &Wallet{UserID: userID})
	if err != nil {
		return err
	}
	if w == nil {
		return nil
	}

	return s.wallets.WithTrx(tx).Update(ctx, w.ID, map[string]any{
		"current_streak": 0,
		"updated_at":     time.Now().UTC(),
	})
}

func (s *Service) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w, err := s.wallets.FindOne(ctx, &Wallet{UserID: userID})
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to query wallet", zap.Error(err))
		return nil, err
	}
	if w == nil {
		return nil, errutil.NotFound("wallet not found", nil)
	}
	return w, nil
}

func (s *Service) ListEntries(ctx context.Context, userID string, limit int) ([]*WalletTransaction, error) {
	return s.entries.Find(ctx, &WalletTransaction{UserID: userID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
		option.WithLimit(limit),
	)
}

// ListEntriesPage is the cursor-paginated form of ListEntries. The cursor
// carries the created_at of the last entry served; entries older than it
// come next.
func (s *Service) ListEntriesPage(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*WalletTransaction, *pagination.PageInfo, error) {
	if limit <= 0 {
		limit = 50
	}

	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
		// one extra row tells us whether another page exists
		option.WithLimit(limit + 1),
	}
	if cursor != nil && cursor.CreatedAt != "" {
		before, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, nil, errutil.BadRequest("malformed cursor", err)
		}
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.LT, Value: before}))
	}

	rows, err := s.entries.Find(ctx, &WalletTransaction{UserID: userID}, opts...)
	if err != nil {
		return nil, nil, err
	}

	info := pagination.BuildCursorPageInfo(rows, int32(limit), func(e *WalletTransaction) string {
		next, _ := pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
			ID:        e.ID,
		})
		return next
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}

	return rows, info, nil
}

// VerifyChain re-hashes the wallet's entries in order and checks both the
// per-entry hash and the previous-hash links.
func (s *Service) VerifyChain(ctx context.Context, userID string) (bool, error) {
	w, err := s.GetWallet(ctx, userID)
	if err != nil {
		return false, err
	}

	entries, err := s.entries.Find(ctx, &WalletTransaction{WalletID: w.ID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "asc",
			Allow:   map[string]bool{"created_at": true},
		}),
	)
	if err != nil {
		return false, err
	}

	lastHash := GenesisHash
	var sum int64
	for _, entry := range entries {
		if entry.Hash != entry.GenerateHash() || entry.PreviousHash != lastHash {
			return false, nil
		}
		lastHash = entry.Hash
		sum += entry.Amount
	}

	if sum != w.Balance {
		return false, nil
	}

	return true, nil
}
