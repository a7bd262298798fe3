package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"vpnpay/internal/config"
)

// ErrPanelUnavailable 面板不可达或应答异常
// 购买流程据此走补偿回补，调用方不感知具体 HTTP 细节
var ErrPanelUnavailable = errors.New("VPN 面板调用失败")

// KeyRequest 开通/变更密钥的入参
type KeyRequest struct {
	TelegramID   int64
	ExpiresAt    time.Time
	TrafficLimit int64 // 字节，0 表示不限
	DeviceLimit  int
	PlanType     string // vpn / whitelist
}

// KeyResult 面板返回的密钥信息
type KeyResult struct {
	KeyUUID   string
	AccessURL string
}

// Provisioner 外部 VPN 面板的抽象
// 余额扣减提交后才调用，失败由上层补偿，这里不做重试
type Provisioner interface {
	Provision(ctx context.Context, req KeyRequest) (*KeyResult, error)
	Update(ctx context.Context, keyUUID string, req KeyRequest) error
	Revoke(ctx context.Context, keyUUID string) error
}

// PanelClient remnawave 风格面板的 HTTP 适配
type PanelClient struct {
	cfg    config.ProvisionConfig
	client *http.Client
}

func NewPanelClient(cfg config.ProvisionConfig) *PanelClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PanelClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *PanelClient) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPanelUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPanelUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status=%d body=%s", ErrPanelUnavailable, resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: 应答解析失败: %v", ErrPanelUnavailable, err)
		}
	}
	return nil
}

type panelUserPayload struct {
	TelegramID   int64     `json:"telegramId"`
	ExpireAt     time.Time `json:"expireAt"`
	TrafficLimit int64     `json:"trafficLimitBytes"`
	DeviceLimit  int       `json:"hwidDeviceLimit"`
	Tag          string    `json:"tag"`
}

// Provision 在面板上创建用户并返回订阅链接
func (c *PanelClient) Provision(ctx context.Context, req KeyRequest) (*KeyResult, error) {
	var out struct {
		Response struct {
			UUID            string `json:"uuid"`
			SubscriptionURL string `json:"subscriptionUrl"`
		} `json:"response"`
	}
	payload := panelUserPayload{
		TelegramID:   req.TelegramID,
		ExpireAt:     req.ExpiresAt,
		TrafficLimit: req.TrafficLimit,
		DeviceLimit:  req.DeviceLimit,
		Tag:          req.PlanType,
	}
	if err := c.do(ctx, http.MethodPost, "/api/users", payload, &out); err != nil {
		return nil, err
	}
	if out.Response.UUID == "" {
		return nil, fmt.Errorf("%w: 面板未返回密钥", ErrPanelUnavailable)
	}
	return &KeyResult{
		KeyUUID:   out.Response.UUID,
		AccessURL: out.Response.SubscriptionURL,
	}, nil
}

// Update 调整已有密钥的到期时间与流量上限
func (c *PanelClient) Update(ctx context.Context, keyUUID string, req KeyRequest) error {
	payload := panelUserPayload{
		TelegramID:   req.TelegramID,
		ExpireAt:     req.ExpiresAt,
		TrafficLimit: req.TrafficLimit,
		DeviceLimit:  req.DeviceLimit,
		Tag:          req.PlanType,
	}
	return c.do(ctx, http.MethodPatch, "/api/users/"+keyUUID, payload, nil)
}

// Revoke 在面板上禁用密钥
func (c *PanelClient) Revoke(ctx context.Context, keyUUID string) error {
	return c.do(ctx, http.MethodPost, "/api/users/"+keyUUID+"/disable", nil, nil)
}
