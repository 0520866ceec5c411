package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Channel identifies how a record entered the system.
type Channel string

const (
	ChannelCSV       Channel = "csv"
	ChannelAPI       Channel = "api"
	ChannelWebhook   Channel = "webhook"
	ChannelStatement Channel = "statement"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelCSV, ChannelAPI, ChannelWebhook, ChannelStatement:
		return true
	}
	return false
}

// TransactionType is the direction of money for a transaction.
type TransactionType string

const (
	TypeIncome  TransactionType = "income"
	TypeExpense TransactionType = "expense"
)

// CategoryUncategorized is assigned when no categorization rule matches.
const CategoryUncategorized = "uncategorized"

// RawTransaction is the canonical shape of one source record before
// normalization. Every field is source text; nothing here has been parsed.
// It only lives for the duration of a run and is persisted as an
// unprocessed Transaction.
type RawTransaction struct {
	OwnerID      string
	Channel      Channel
	Description  string
	AmountText   string
	DateText     string
	MerchantText string
	CategoryHint string
	TypeHint     string
	AccountRef   string
	ExternalID   string
	SourceRef    string // e.g. "csv:line:12", "api:index:3"
	Fingerprint  string
}

// Transaction is a persisted ledger row. OwnerID and Fingerprint are fixed at
// creation; Transform fills the normalized fields and flips Processed.
type Transaction struct {
	ID          string `gorm:"primaryKey;type:uuid" json:"id"`
	OwnerID     string `gorm:"not null;uniqueIndex:idx_transactions_owner_fingerprint,priority:1" json:"owner_id"`
	AccountID   string `gorm:"index" json:"account_id"`
	Fingerprint string `gorm:"not null;uniqueIndex:idx_transactions_owner_fingerprint,priority:2" json:"fingerprint"`

	Description  string `json:"description"`
	RawAmount    string `json:"raw_amount"`
	RawDate      string `json:"raw_date"`
	RawMerchant  string `json:"raw_merchant,omitempty"`
	CategoryHint string `json:"category_hint,omitempty"`
	TypeHint     string `json:"type_hint,omitempty"`

	Amount   decimal.NullDecimal `gorm:"type:numeric(20,4)" json:"amount"`
	Date     *time.Time          `gorm:"type:date" json:"date,omitempty"`
	Merchant string              `json:"merchant,omitempty"`
	Category string              `json:"category,omitempty"`
	Type     TransactionType     `gorm:"type:varchar(16)" json:"type,omitempty"`

	Processed    bool   `gorm:"not null" json:"processed"`
	RejectReason string `json:"reject_reason,omitempty"`

	Channel    Channel `gorm:"type:varchar(16)" json:"channel"`
	SourceRef  string  `json:"source_ref,omitempty"`
	ExternalID string  `json:"external_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// Account holds a derived balance. Balance is only ever written by Load.
type Account struct {
	ID           string          `gorm:"primaryKey;type:uuid" json:"id"`
	OwnerID      string          `gorm:"not null;index" json:"owner_id"`
	Provider     string          `json:"provider"`
	Currency     string          `gorm:"type:varchar(3)" json:"currency"`
	Balance      decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"balance"`
	RecomputedAt *time.Time      `json:"recomputed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// UserStats is a discardable cache of per-owner aggregates. It may lag the
// ledger; consumers that need exact figures recompute from Transaction.
type UserStats struct {
	OwnerID              string                     `gorm:"primaryKey" json:"owner_id"`
	TotalTransactions    int                        `json:"total_transactions"`
	TotalIncome          decimal.Decimal            `gorm:"type:numeric(20,4)" json:"total_income"`
	TotalExpense         decimal.Decimal            `gorm:"type:numeric(20,4)" json:"total_expense"`
	AvgTransactionAmount decimal.Decimal            `gorm:"type:numeric(20,4)" json:"avg_transaction_amount"`
	CategoryBreakdown    map[string]decimal.Decimal `gorm:"serializer:json" json:"category_breakdown"`
	RefreshedAt          time.Time                  `json:"refreshed_at"`
	SourceRunID          string                     `json:"source_run_id"`
}

// TableName pins the gorm table name.
func (UserStats) TableName() string { return "user_stats" }
