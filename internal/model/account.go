package model

import (
	"time"
)

// 账户状态
const (
	AccountStatusTrial   = "Trial"
	AccountStatusActive  = "Active"
	AccountStatusExpired = "Expired"
	AccountStatusBanned  = "Banned"
)

// Account 用户账户表
// 记录用户的余额（戈比），是整个计费系统的核心数据。
// 账户永不物理删除，封禁通过 is_banned 软标记实现
type Account struct {
	ID         int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	TelegramID int64  `gorm:"uniqueIndex;not null" json:"telegram_id"` // Telegram 用户ID，外部身份
	Username   string `gorm:"type:varchar(64)" json:"username"`
	Balance    int64  `gorm:"not null;default:0" json:"balance"` // 可用余额（戈比），仅自动扣费可到配置的负下限
	Status     string `gorm:"type:varchar(16);not null;default:Trial" json:"status"`
	// 推荐体系
	ReferredBy      *int64 `gorm:"index" json:"referred_by"`                  // 推荐人账户ID
	ReferralRate    int    `gorm:"not null;default:20" json:"referral_rate"`  // 分成比例（百分比）
	ReferralBalance int64  `gorm:"not null;default:0" json:"referral_balance"` // 推荐收益余额（戈比）
	// 试用与风控
	TrialUsed      bool   `gorm:"not null;default:false" json:"trial_used"`
	BannedKeyCount int    `gorm:"not null;default:0" json:"banned_key_count"` // 只增不减，不自动衰减
	IsBanned       bool   `gorm:"not null;default:false" json:"is_banned"`
	BanReason      string `gorm:"type:varchar(256)" json:"ban_reason"`
	Version        int    `gorm:"not null;default:0" json:"version"` // 乐观锁版本号
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}
