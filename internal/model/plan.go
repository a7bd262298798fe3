package model

import (
	"time"
)

// 计划类型
const (
	PlanTypeVPN       = "vpn"
	PlanTypeWhitelist = "whitelist"
)

// TariffPlan 固定资费计划（管理员配置）
type TariffPlan struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	PlanType     string    `gorm:"type:varchar(16);index;not null" json:"plan_type"`
	Name         string    `gorm:"type:varchar(64);not null" json:"name"`
	Price        int64     `gorm:"not null" json:"price"` // 戈比
	DurationDays int       `gorm:"not null" json:"duration_days"`
	IsActive     bool      `gorm:"not null;default:true" json:"is_active"`
	SortOrder    int       `gorm:"not null;default:0" json:"sort_order"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (TariffPlan) TableName() string {
	return "tariff_plan"
}

// whitelist 计价类型
const (
	WhitelistPricingFlat        = "flat"        // 现行：订阅费 + 单价 × GB
	WhitelistPricingProgressive = "progressive" // 历史：跨档累进，不收订阅费
)

// WhitelistSettings whitelist bypass 计费参数，单行表
type WhitelistSettings struct {
	ID                 int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	PricingType        string    `gorm:"type:varchar(16);not null;default:flat" json:"pricing_type"`
	SubscriptionFee    int64     `gorm:"not null;default:10000" json:"subscription_fee"` // 戈比
	PricePerGB         int64     `gorm:"not null;default:1500" json:"price_per_gb"`      // 戈比
	MinGB              int64     `gorm:"not null;default:5" json:"min_gb"`
	MaxGB              int64     `gorm:"not null;default:500" json:"max_gb"`
	AutoPayEnabled     bool      `gorm:"not null;default:true" json:"auto_pay_enabled"`
	AutoPayThresholdMB int64     `gorm:"not null;default:100" json:"auto_pay_threshold_mb"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (WhitelistSettings) TableName() string {
	return "whitelist_settings"
}
