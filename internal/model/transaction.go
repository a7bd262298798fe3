package model

import (
	"time"
)

// ============================================================================
// 交易类型常量
// ============================================================================

const (
	TransactionTypeDeposit      = "deposit"            // 充值入账
	TransactionTypeSubscription = "subscription"       // 订阅购买（扣款）
	TransactionTypeTrial        = "trial"              // 试用激活（金额为0）
	TransactionTypeRefund       = "refund"             // 退款
	TransactionTypeWithdrawal   = "withdrawal_request" // 推荐收益提现申请
	TransactionTypeTransfer     = "transfer"           // 推荐余额转入主余额
	TransactionTypeAutoPay      = "whitelist_auto_pay" // 流量自动扣费加量
	TransactionTypeOverage      = "whitelist_overage"  // 旧版超量扣费
)

// 交易状态
const (
	TransactionStatusPending  = "Pending"
	TransactionStatusSuccess  = "Success"
	TransactionStatusRefunded = "Refunded"
)

// ============================================================================
// 账户流水实体
// ============================================================================

// Transaction 账户流水表
// 记录账户的每一笔资金变动，是对账的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 唯一允许的变更是 Success -> Refunded
// 2. 记录交易前后余额 —— 便于校验余额一致性
// 3. (external_payment_id, provider) 组合唯一 —— webhook 重放去重的幂等键，
//    由数据库唯一索引兜底，应用层预检查挡不住并发重放
type Transaction struct {
	ID            int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	AccountID     int64  `gorm:"index;not null" json:"account_id"`
	Type          string `gorm:"type:varchar(32);not null" json:"type"`
	Amount        int64  `gorm:"not null" json:"amount"` // 金额（戈比，正数入账，负数出账）
	Status        string `gorm:"type:varchar(16);index;not null;default:Success" json:"status"`
	// 支付渠道信息（仅充值/退款类流水有值）
	Provider          string  `gorm:"type:varchar(32);uniqueIndex:uniq_external_payment,priority:2" json:"provider"`
	ExternalPaymentID *string `gorm:"type:varchar(128);uniqueIndex:uniq_external_payment,priority:1" json:"external_payment_id"`
	BalanceBefore     int64   `gorm:"not null" json:"balance_before"` // 交易前余额
	BalanceAfter      int64   `gorm:"not null" json:"balance_after"`  // 交易后余额
	Description       string  `gorm:"type:varchar(256)" json:"description"`
	CreatedAt         time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	RefundedAt        *time.Time `json:"refunded_at"`
}

func (Transaction) TableName() string {
	return "account_transaction"
}
