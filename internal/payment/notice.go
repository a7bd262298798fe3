package payment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// 支付渠道标识，与流水表 provider 字段一致
const (
	ProviderYooKassa = "YooKassa"
	ProviderHeleket  = "Heleket"
	ProviderPlatega  = "Platega"
)

var (
	// ErrInvalidSignature 签名不合法，任何变更发生前拒绝
	ErrInvalidSignature = errors.New("webhook 签名校验失败")
	// ErrNotPaid 回调状态不是支付成功，忽略即可
	ErrNotPaid = errors.New("回调状态非支付成功")
	// ErrBadOrderID 订单号无法解析出用户身份
	// 调用方应记录日志并按成功应答，否则渠道会无限重试一个坏单
	ErrBadOrderID = errors.New("订单号格式不合法")
)

// Notice 归一化后的支付通知
// 各渠道回调的松散 JSON 在 parser 里收敛成这一个形状，核心只消费它
type Notice struct {
	Provider   string
	ExternalID string // 渠道侧支付ID，幂等键的一半
	Amount     int64  // 戈比
	TelegramID int64  // 付款人身份
	// 渠道回传的可复用支付方式（仅 YooKassa），nil 表示未保存
	SavedMethod *SavedMethod
}

// SavedMethod 渠道保存的免密支付方式
type SavedMethod struct {
	MethodID  string
	Type      string
	CardLast4 string
	CardBrand string
}

// ParseOrderID 解析 user_{telegramID}_{ts}_{nonce} 形式的订单号
func ParseOrderID(orderID string) (int64, error) {
	parts := strings.Split(orderID, "_")
	if len(parts) < 2 || parts[0] != "user" {
		return 0, fmt.Errorf("%w: %q", ErrBadOrderID, orderID)
	}
	telegramID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadOrderID, orderID)
	}
	return telegramID, nil
}

// ParseAmount 渠道金额统一是 "123.45" 风格的十进制字符串
// 转成戈比整数，拒绝超过两位小数的输入，全程不经过浮点
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("金额为空")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart = s[:i]
		fracPart = s[i+1:]
	}
	if len(fracPart) > 2 {
		return 0, fmt.Errorf("金额精度超过戈比: %q", s)
	}
	for len(fracPart) < 2 {
		fracPart += "0"
	}
	rub, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("金额解析失败: %q", s)
	}
	kop, err := strconv.ParseInt(fracPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("金额解析失败: %q", s)
	}
	total := rub*100 + kop
	if neg {
		total = -total
	}
	return total, nil
}

// FormatAmount 戈比 -> "123.45"，渠道出站方向使用
func FormatAmount(kopecks int64) string {
	neg := ""
	if kopecks < 0 {
		neg = "-"
		kopecks = -kopecks
	}
	return fmt.Sprintf("%s%d.%02d", neg, kopecks/100, kopecks%100)
}
