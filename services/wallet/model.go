package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Entry types. Amount on an entry is the signed balance delta; escrow-side
// movements that never touch the wallet balance are recorded as zero-delta
// marker entries carrying aggregate deltas instead.
const (
	EntryStakeHold      = "stake_hold"
	EntryStakeRelease   = "stake_release"
	EntryReward         = "reward"
	EntryForfeiture     = "forfeiture"
	EntryPartialRelease = "partial_release"
	EntryAppealRefund   = "appeal_refund"
	EntryExtensionFee   = "extension_fee"
	EntryRecoveryBonus  = "recovery_bonus"
)

// GenesisHash anchors the first entry of every wallet chain.
const GenesisHash = "GENESIS"

type Wallet struct {
	ID            string    `gorm:"column:id;primaryKey"`
	UserID        string    `gorm:"column:user_id;uniqueIndex;not null"`
	Currency      string    `gorm:"column:currency;type:varchar(3)"`
	Balance       int64     `gorm:"column:balance"`
	TotalEarned   int64     `gorm:"column:total_earned"`
	TotalLost     int64     `gorm:"column:total_lost"`
	TotalStaked   int64     `gorm:"column:total_staked"`
	CurrentStreak int       `gorm:"column:current_streak"`
	LongestStreak int       `gorm:"column:longest_streak"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

type WalletTransaction struct {
	ID           string         `gorm:"column:id;primaryKey"`
	WalletID     string         `gorm:"column:wallet_id;index"`
	UserID       string         `gorm:"column:user_id;index"`
	Type         string         `gorm:"column:type"`
	Amount       int64          `gorm:"column:amount"`
	StakeID      string         `gorm:"column:stake_id;index"`
	ReferenceID  string         `gorm:"column:reference_id;uniqueIndex;not null"`
	Description  string         `gorm:"column:description"`
	PreviousHash string         `gorm:"column:previous_hash"`
	Hash         string         `gorm:"column:hash"`
	Metadata     datatypes.JSON `gorm:"column:metadata"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
}

func (m *WalletTransaction) HashFields() map[string]string {
	return map[string]string{
		"id":            m.ID,
		"wallet_id":     m.WalletID,
		"user_id":       m.UserID,
		"type":          m.Type,
		"amount":        fmt.Sprintf("%d", m.Amount),
		"stake_id":      m.StakeID,
		"reference_id":  m.ReferenceID,
		"description":   m.Description,
		"created_at":    m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": m.PreviousHash,
	}
}

func (m *WalletTransaction) GenerateHash() string {
	fields := m.HashFields()
	var keys []string
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	joined := strings.Join(parts, "|")
	hash := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(hash[:])
}
