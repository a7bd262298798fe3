package model

import (
	"time"
)

// DailyTrafficStat 每日流量统计
// (vpn_key_id, date) 唯一，traffic_bytes 累加式 upsert
type DailyTrafficStat struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	VPNKeyID     int64     `gorm:"uniqueIndex:uniq_key_date,priority:1;not null" json:"vpn_key_id"`
	AccountID    int64     `gorm:"index;not null" json:"account_id"`
	Date         string    `gorm:"type:varchar(10);uniqueIndex:uniq_key_date,priority:2;not null" json:"date"` // YYYY-MM-DD
	TrafficBytes int64     `gorm:"not null;default:0" json:"traffic_bytes"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (DailyTrafficStat) TableName() string {
	return "daily_traffic_stat"
}
