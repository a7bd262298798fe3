package model

import (
	"time"
)

// 促销码类型
const (
	PromoTypeBalance      = "balance"      // 直接入账
	PromoTypeDiscount     = "discount"     // 折扣，记录待下次购买消费
	PromoTypeSubscription = "subscription" // 免费订阅（value = 天数）
)

// PromoCode 促销码表
// code 存储统一为大写，查询前由服务层归一化
type PromoCode struct {
	ID        int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Code      string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"code"`
	Type      string     `gorm:"type:varchar(16);not null" json:"type"`
	Value     int64      `gorm:"not null" json:"value"` // balance: 戈比; discount: 百分比; subscription: 天数
	UsesLimit *int       `json:"uses_limit"`            // nil = 不限次数
	UsesCount int        `gorm:"not null;default:0" json:"uses_count"`
	ExpiresAt *time.Time `json:"expires_at"` // nil = 永久有效
	IsActive  bool       `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (PromoCode) TableName() string {
	return "promo_code"
}

// PromoRedemption 促销码使用记录
// (promo_code_id, account_id) 唯一索引保证同一账户对同一码至多兑换一次，
// 并发兑换的竞态由该约束关死，不依赖应用层预检查
type PromoRedemption struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	PromoCodeID int64     `gorm:"uniqueIndex:uniq_promo_account,priority:1;not null" json:"promo_code_id"`
	AccountID   int64     `gorm:"uniqueIndex:uniq_promo_account,priority:2;not null" json:"account_id"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (PromoRedemption) TableName() string {
	return "promo_redemption"
}

// AccountDiscount 折扣类促销码的兑换结果，待购买时消费
type AccountDiscount struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID int64     `gorm:"index;not null" json:"account_id"`
	Percent   int64     `gorm:"not null" json:"percent"`
	Consumed  bool      `gorm:"not null;default:false" json:"consumed"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (AccountDiscount) TableName() string {
	return "account_discount"
}
