package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// 通知目标
const (
	NotifyTargetUser  = "user"
	NotifyTargetAdmin = "admin"
)

// NotifyOutbox 通知发件箱
// 通知写入与余额变更同一事务，保证入账成功则通知必达（至少一次）；
// 发送失败不会回滚资金操作 —— 发送由后台任务异步完成
type NotifyOutbox struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Target     string    `gorm:"type:varchar(16);not null" json:"target"` // user / admin
	ChatID     int64     `gorm:"not null" json:"chat_id"`                 // Telegram chat，admin 通知为 0 由消费方路由
	Message    string    `gorm:"type:text;not null" json:"message"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (NotifyOutbox) TableName() string {
	return "notify_outbox"
}
