package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// PlategaParser 银行卡渠道 Platega 的回调解析器
// 签名是 HMAC-SHA256(secret, 原始回调体)，放在 X-Signature 头里
type PlategaParser struct {
	secret string
}

func NewPlategaParser(secret string) *PlategaParser {
	return &PlategaParser{secret: secret}
}

type plategaBody struct {
	TransactionID string `json:"transactionId"`
	PaymentID     string `json:"paymentId"` // 商户侧订单号
	Amount        string `json:"amount"`
	Status        string `json:"status"`
}

// VerifySign 校验 X-Signature 头
func (p *PlategaParser) VerifySign(body []byte, signature string) error {
	mac := hmac.New(sha256.New, []byte(p.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// Parse 校验签名后归一化成 Notice，status 不是 CONFIRMED/success 返回 ErrNotPaid
func (p *PlategaParser) Parse(body []byte, signature string) (*Notice, error) {
	if err := p.VerifySign(body, signature); err != nil {
		return nil, err
	}
	var b plategaBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("回调体解析失败: %w", err)
	}
	if b.Status != "CONFIRMED" && b.Status != "success" {
		return nil, ErrNotPaid
	}
	telegramID, err := ParseOrderID(b.PaymentID)
	if err != nil {
		return nil, err
	}
	amount, err := ParseAmount(b.Amount)
	if err != nil {
		return nil, err
	}
	return &Notice{
		Provider:   ProviderPlatega,
		ExternalID: b.TransactionID,
		Amount:     amount,
		TelegramID: telegramID,
	}, nil
}
