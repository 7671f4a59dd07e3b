package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// Account represents the accounts table. The pending plan lives in dedicated columns.
type Account struct {
	Email               string     `gorm:"primaryKey"`
	Balance             int64      `gorm:"not null;default:0;check:chk_accounts_balance_non_negative,balance >= 0"`
	Status              string     `gorm:"not null;index:idx_accounts_status_expires,priority:1"`
	ExpiresAt           *time.Time `gorm:"index:idx_accounts_status_expires,priority:2"`
	PendingPlanID       *string    `gorm:""`
	PendingPriceMinor   int64      `gorm:"not null;default:0"`
	PendingCredits      int64      `gorm:"not null;default:0"`
	PendingOrderID      *string    `gorm:"index"`
	PendingGatewayToken *string    `gorm:""`
	CreatedAt           time.Time  `gorm:"not null"`
	UpdatedAt           time.Time  `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// GrantMarker mirrors the grant_markers table; one row per applied idempotency key.
type GrantMarker struct {
	IdempotencyKey string         `gorm:"primaryKey"`
	AccountEmail   string         `gorm:"not null;index"`
	Credits        int64          `gorm:"not null"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null"`
}

func (GrantMarker) TableName() string { return "grant_markers" }

// PaymentOrder mirrors the payment_orders table.
type PaymentOrder struct {
	OrderID      string    `gorm:"primaryKey"`
	AccountEmail string    `gorm:"not null;index"`
	PlanID       string    `gorm:"not null"`
	Credits      int64     `gorm:"not null"`
	PriceMinor   int64     `gorm:"not null"`
	Token        string    `gorm:"not null;default:''"`
	Status       string    `gorm:"not null;index:idx_orders_status_updated,priority:1"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null;autoUpdateTime:false;index:idx_orders_status_updated,priority:2"`
}

func (PaymentOrder) TableName() string { return "payment_orders" }

// TopupRequest mirrors the topup_requests table.
type TopupRequest struct {
	RequestID    string     `gorm:"primaryKey"`
	AccountEmail string     `gorm:"not null;index"`
	Credits      int64      `gorm:"not null"`
	PriceMinor   int64      `gorm:"not null"`
	ReceiptRef   string     `gorm:"not null"`
	PlanID       string     `gorm:"not null;default:''"`
	Status       string     `gorm:"not null;index:idx_topups_status_created,priority:1"`
	Reviewer     string     `gorm:"not null;default:''"`
	ReviewedAt   *time.Time `gorm:""`
	CreatedAt    time.Time  `gorm:"not null;index:idx_topups_status_created,priority:2"`
}

func (TopupRequest) TableName() string { return "topup_requests" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&Account{}, &GrantMarker{}, &PaymentOrder{}, &TopupRequest{}}
}
