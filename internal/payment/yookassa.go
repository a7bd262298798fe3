package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"vpnpay/internal/config"
)

// YooKassaParser YooKassa 的回调解析器
//
// YooKassa 不在回调体上签名，安全性依赖来源 IP 白名单与 HTTPS，
// 这里只做事件与状态过滤。付款人身份走 metadata.user_id，
// 缺失时回退到 description 里的订单号。
type YooKassaParser struct{}

func NewYooKassaParser() *YooKassaParser {
	return &YooKassaParser{}
}

type yooKassaEvent struct {
	Event  string `json:"event"`
	Object struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Amount struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"amount"`
		Metadata struct {
			UserID string `json:"user_id"`
		} `json:"metadata"`
		Description   string `json:"description"`
		PaymentMethod struct {
			ID    string `json:"id"`
			Type  string `json:"type"`
			Saved bool   `json:"saved"`
			Card  struct {
				Last4    string `json:"last4"`
				CardType string `json:"card_type"`
			} `json:"card"`
		} `json:"payment_method"`
	} `json:"object"`
}

// Parse 归一化 payment.succeeded 事件
// 其他事件（waiting_for_capture、canceled 等）返回 ErrNotPaid 直接应答
func (p *YooKassaParser) Parse(body []byte) (*Notice, error) {
	var e yooKassaEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("回调体解析失败: %w", err)
	}
	if e.Event != "payment.succeeded" || e.Object.Status != "succeeded" {
		return nil, ErrNotPaid
	}

	var telegramID int64
	if e.Object.Metadata.UserID != "" {
		id, err := strconv.ParseInt(e.Object.Metadata.UserID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata.user_id=%q", ErrBadOrderID, e.Object.Metadata.UserID)
		}
		telegramID = id
	} else {
		id, err := ParseOrderID(e.Object.Description)
		if err != nil {
			return nil, err
		}
		telegramID = id
	}

	amount, err := ParseAmount(e.Object.Amount.Value)
	if err != nil {
		return nil, err
	}

	notice := &Notice{
		Provider:   ProviderYooKassa,
		ExternalID: e.Object.ID,
		Amount:     amount,
		TelegramID: telegramID,
	}
	// 用户勾选保存卡片后，渠道回传可复用支付方式，留给自动扣费用
	if e.Object.PaymentMethod.Saved && e.Object.PaymentMethod.ID != "" {
		notice.SavedMethod = &SavedMethod{
			MethodID:  e.Object.PaymentMethod.ID,
			Type:      e.Object.PaymentMethod.Type,
			CardLast4: e.Object.PaymentMethod.Card.Last4,
			CardBrand: e.Object.PaymentMethod.Card.CardType,
		}
	}
	return notice, nil
}

// Charger 免密扣费接口，自动续费走这里
type Charger interface {
	// ChargeSaved 用保存的支付方式发起扣费，返回渠道侧支付ID
	ChargeSaved(ctx context.Context, methodID string, amount int64, telegramID int64, description string) (string, error)
}

// Refunder 渠道侧退款接口
type Refunder interface {
	// CreateRefund 对渠道支付发起退款，返回渠道侧退款ID
	CreateRefund(ctx context.Context, externalPaymentID string, amount int64) (string, error)
}

// YooKassaClient YooKassa API 客户端，实现 Charger 与 Refunder
// 认证是 Basic(shop_id, secret_key)，幂等靠 Idempotence-Key 头
type YooKassaClient struct {
	cfg    config.YooKassaConfig
	client *http.Client
}

func NewYooKassaClient(cfg config.YooKassaConfig) *YooKassaClient {
	return &YooKassaClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *YooKassaClient) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.ShopID, c.cfg.SecretKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("YooKassa 请求失败: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("YooKassa 应答异常: status=%d body=%s", resp.StatusCode, data)
	}
	return json.Unmarshal(data, out)
}

// ChargeSaved 发起免密扣费
func (c *YooKassaClient) ChargeSaved(ctx context.Context, methodID string, amount int64, telegramID int64, description string) (string, error) {
	payload := map[string]interface{}{
		"amount": map[string]string{
			"value":    FormatAmount(amount),
			"currency": "RUB",
		},
		"payment_method_id": methodID,
		"capture":           true,
		"description":       description,
		"metadata": map[string]string{
			"user_id": strconv.FormatInt(telegramID, 10),
		},
	}
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := c.post(ctx, "/payments", payload, &out); err != nil {
		return "", err
	}
	if out.Status != "succeeded" {
		return "", fmt.Errorf("免密扣费未成功: status=%s", out.Status)
	}
	return out.ID, nil
}

// CreateRefund 对渠道支付发起退款
func (c *YooKassaClient) CreateRefund(ctx context.Context, externalPaymentID string, amount int64) (string, error) {
	payload := map[string]interface{}{
		"payment_id": externalPaymentID,
		"amount": map[string]string{
			"value":    FormatAmount(amount),
			"currency": "RUB",
		},
	}
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := c.post(ctx, "/refunds", payload, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}
