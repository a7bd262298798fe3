package model

import (
	"time"
)

// SavedPaymentMethod 保存的支付方式（用于免密自动续费）
// 渠道在首次支付成功后回传 payment_method_id，之后可凭此发起扣款
type SavedPaymentMethod struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID       int64     `gorm:"uniqueIndex:uniq_account_method,priority:1;not null" json:"account_id"`
	Provider        string    `gorm:"type:varchar(32);uniqueIndex:uniq_account_method,priority:2;not null" json:"provider"`
	PaymentMethodID string    `gorm:"type:varchar(128);uniqueIndex:uniq_account_method,priority:3;not null" json:"payment_method_id"`
	MethodType      string    `gorm:"type:varchar(32)" json:"method_type"`
	CardLast4       string    `gorm:"type:varchar(4)" json:"card_last4"`
	CardBrand       string    `gorm:"type:varchar(32)" json:"card_brand"`
	IsActive        bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SavedPaymentMethod) TableName() string {
	return "saved_payment_method"
}
