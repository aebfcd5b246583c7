package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TokenBalanceRow represents the token_balances table.
type TokenBalanceRow struct {
	BalanceID              string    `gorm:"type:uuid;primaryKey"`
	OwnerKind              string    `gorm:"not null;index:idx_balances_owner,unique,priority:1"`
	OwnerID                string    `gorm:"not null;index:idx_balances_owner,unique,priority:2"`
	FreeBalance            int64     `gorm:"not null"`
	PaidBalance            int64     `gorm:"not null"`
	Balance                int64     `gorm:"not null"`
	TotalConsumed          int64     `gorm:"not null"`
	MonthlyConsumed        int64     `gorm:"not null"`
	FreeBalanceResetAt     time.Time `gorm:"not null"`
	MonthlyConsumedResetAt time.Time `gorm:"not null"`
	CreatedAt              time.Time `gorm:"not null"`
	UpdatedAt              time.Time `gorm:"not null"`
}

func (TokenBalanceRow) TableName() string { return "token_balances" }

func (row *TokenBalanceRow) BeforeCreate(tx *gorm.DB) error {
	if row.BalanceID == "" {
		row.BalanceID = uuid.NewString()
	}
	return nil
}

// TokenPackageRow represents the token_packages catalog table.
type TokenPackageRow struct {
	PackageID     string    `gorm:"primaryKey"`
	Name          string    `gorm:"not null"`
	TokenAmount   int64     `gorm:"not null"`
	PriceCents    int64     `gorm:"not null"`
	StripePriceID string    `gorm:"not null"`
	DiscountRate  float64   `gorm:"not null"`
	Active        bool      `gorm:"not null;index"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (TokenPackageRow) TableName() string { return "token_packages" }

func (row *TokenPackageRow) BeforeCreate(tx *gorm.DB) error {
	if row.PackageID == "" {
		row.PackageID = uuid.NewString()
	}
	return nil
}

// PurchaseRequestRow represents the purchase_requests table.
type PurchaseRequestRow struct {
	RequestID         string     `gorm:"type:uuid;primaryKey"`
	ChildID           string     `gorm:"not null;index:idx_requests_child_status,priority:1"`
	PackageID         string     `gorm:"not null"`
	TokenAmount       int64      `gorm:"not null"`
	PriceCents        int64      `gorm:"not null"`
	Status            string     `gorm:"not null;index:idx_requests_child_status,priority:2"`
	RequestedAt       time.Time  `gorm:"not null"`
	DecidedAt         *time.Time `gorm:""`
	DecidedBy         string     `gorm:""`
	RejectionReason   string     `gorm:""`
	CheckoutSessionID string     `gorm:""`
	CreatedAt         time.Time  `gorm:"not null"`
	UpdatedAt         time.Time  `gorm:"not null"`
}

func (PurchaseRequestRow) TableName() string { return "purchase_requests" }

func (row *PurchaseRequestRow) BeforeCreate(tx *gorm.DB) error {
	if row.RequestID == "" {
		row.RequestID = uuid.NewString()
	}
	return nil
}

// WebhookEventRow is the processed-event dedup ledger keyed by event id.
type WebhookEventRow struct {
	EventID     string    `gorm:"primaryKey"`
	Type        string    `gorm:"not null"`
	Outcome     string    `gorm:"not null"`
	ProcessedAt time.Time `gorm:"not null"`
}

func (WebhookEventRow) TableName() string { return "webhook_events" }

// TokenTransactionRow mirrors the append-only token_transactions table.
type TokenTransactionRow struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	OwnerKind     string         `gorm:"not null;index:idx_transactions_owner_created,priority:1"`
	OwnerID       string         `gorm:"not null;index:idx_transactions_owner_created,priority:2"`
	Type          string         `gorm:"not null"`
	Amount        int64          `gorm:"not null"`
	BalanceAfter  int64          `gorm:"not null"`
	Description   string         `gorm:""`
	Reference     string         `gorm:"index"`
	PriceCents    int64          `gorm:"not null"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_transactions_owner_created,priority:3"`
}

func (TokenTransactionRow) TableName() string { return "token_transactions" }

func (row *TokenTransactionRow) BeforeCreate(tx *gorm.DB) error {
	if row.TransactionID == "" {
		row.TransactionID = uuid.NewString()
	}
	return nil
}

// FamilyLinkRow ties a restricted member to a guardian who decides their
// purchase requests.
type FamilyLinkRow struct {
	GuardianID string    `gorm:"primaryKey"`
	ChildID    string    `gorm:"primaryKey;index"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (FamilyLinkRow) TableName() string { return "family_links" }

// Migrate creates or updates the schema for every table the store uses.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&TokenBalanceRow{},
		&TokenPackageRow{},
		&PurchaseRequestRow{},
		&WebhookEventRow{},
		&TokenTransactionRow{},
		&FamilyLinkRow{},
	)
}
