package model

import (
	"time"
)

// 密钥状态
const (
	KeyStatusActive    = "Active"
	KeyStatusSuspended = "Suspended"
	KeyStatusBanned    = "Banned"
	KeyStatusInactive  = "Inactive"
)

// ValidKeyTransitions 密钥状态流转白名单
// Banned 不在任何目标列表里自动出现：解除封禁必须走管理员路径，
// 由 handler 显式调用 Unban，不经过普通流转
var ValidKeyTransitions = map[string][]string{
	KeyStatusActive:    {KeyStatusSuspended, KeyStatusBanned, KeyStatusInactive},
	KeyStatusSuspended: {KeyStatusActive, KeyStatusBanned, KeyStatusInactive},
	KeyStatusBanned:    {},
	KeyStatusInactive:  {KeyStatusActive},
}

func CanKeyTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidKeyTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// VPNKey 订阅密钥表
// traffic_limit = 0 表示不限流量
type VPNKey struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID    int64     `gorm:"index;not null" json:"account_id"`
	KeyUUID      string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"key_uuid"` // 外部开通系统的标识
	AccessURL    string    `gorm:"type:varchar(512)" json:"access_url"`
	Status       string    `gorm:"type:varchar(16);index;not null;default:Active" json:"status"`
	ExpiresAt    time.Time `gorm:"not null" json:"expires_at"`
	TrafficUsed  int64     `gorm:"not null;default:0" json:"traffic_used"`  // 字节
	TrafficLimit int64     `gorm:"not null;default:0" json:"traffic_limit"` // 字节，0 = 不限
	DeviceLimit  int       `gorm:"not null;default:1" json:"device_limit"`
	PlanType     string    `gorm:"type:varchar(16);not null;default:vpn" json:"plan_type"` // vpn / whitelist
	HWIDHash     string    `gorm:"column:hwid_hash;type:varchar(64);index" json:"hwid_hash"` // 最近设备指纹（SHA-256）
	LastSeenAt   *time.Time `json:"last_seen_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (VPNKey) TableName() string {
	return "vpn_key"
}
