package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserAccount represents the user_accounts table.
type UserAccount struct {
	UserID    string    `gorm:"primaryKey"`
	Credits   int64     `gorm:"not null;default:0;check:credits >= 0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (UserAccount) TableName() string { return "user_accounts" }

// CreditTransaction mirrors the credit_transactions table. Rows are append-only.
type CreditTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	UserID        string         `gorm:"not null;index:idx_transactions_user_created,priority:1"`
	Type          string         `gorm:"not null"`
	Amount        int64          `gorm:"not null"`
	BalanceAfter  int64          `gorm:"not null"`
	Description   string         `gorm:"not null"`
	ReferenceID   string         `gorm:""`
	EventID       *string        `gorm:"index:uniq_transaction_event,unique"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_transactions_user_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// APIRequestLog mirrors the api_request_log table consumed by the rate limiter.
type APIRequestLog struct {
	RequestID string    `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"not null;index:idx_request_log_user_endpoint_created,priority:1"`
	Endpoint  string    `gorm:"not null;index:idx_request_log_user_endpoint_created,priority:2"`
	CreatedAt time.Time `gorm:"not null;index:idx_request_log_user_endpoint_created,priority:3"`
}

func (APIRequestLog) TableName() string { return "api_request_log" }

func (record *APIRequestLog) BeforeCreate(tx *gorm.DB) error {
	if record.RequestID == "" {
		record.RequestID = uuid.NewString()
	}
	return nil
}
