package service

import "errors"

// 业务错误，handler 据此映射响应码
var (
	ErrAccountBanned     = errors.New("账户已被封禁")
	ErrTrialAlreadyUsed  = errors.New("试用已使用")
	ErrProvisionFailed   = errors.New("密钥开通失败，已退款")
	ErrPromoInvalid      = errors.New("促销码无效")
	ErrRefundNotAllowed  = errors.New("该流水不可退款")
	ErrWithdrawTooSmall  = errors.New("提现金额过小")
	ErrKeyNotOwned       = errors.New("密钥不属于该账户")
	ErrTrafficOutOfRange = errors.New("流量购买量超出允许区间")
)
