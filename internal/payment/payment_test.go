package payment

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"99.00", 9900, false},
		{"123.45", 12345, false},
		{"0.01", 1, false},
		{"500", 50000, false},
		{"249.5", 24950, false},
		{"-15.00", -1500, false},
		{"1.234", 0, true}, // 超过戈比精度
		{"", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "99.00", FormatAmount(9900))
	assert.Equal(t, "0.05", FormatAmount(5))
	assert.Equal(t, "-15.00", FormatAmount(-1500))
}

func TestParseOrderID(t *testing.T) {
	id, err := ParseOrderID("user_123456789_1704067200_a1b2c3")
	require.NoError(t, err)
	assert.Equal(t, int64(123456789), id)

	_, err = ParseOrderID("order-42")
	assert.ErrorIs(t, err, ErrBadOrderID)

	_, err = ParseOrderID("user_abc_1_1")
	assert.ErrorIs(t, err, ErrBadOrderID)
}

// heleketSign 按渠道算法对基串签名：斜杠转义成 \/，
// base64 后拼 api_key 取 MD5。基串保持渠道发送的字段顺序
func heleketSign(base, apiKey string) string {
	escaped := strings.ReplaceAll(base, "/", "\\/")
	encoded := base64.StdEncoding.EncodeToString([]byte(escaped))
	sum := md5.Sum([]byte(encoded + apiKey))
	return hex.EncodeToString(sum[:])
}

// heleketSigned 按渠道真实的字段顺序拼回调体（uuid 在前，非字母序），
// sign 追加在末尾
func heleketSigned(uuid, orderID, amount, status, apiKey string) []byte {
	base := fmt.Sprintf(`{"uuid":%q,"order_id":%q,"amount":%q,"status":%q}`,
		uuid, orderID, amount, status)
	return []byte(base[:len(base)-1] + fmt.Sprintf(`,"sign":%q}`, heleketSign(base, apiKey)))
}

func TestHeleketParse(t *testing.T) {
	const apiKey = "test-api-key"
	p := NewHeleketParser(apiKey)

	t.Run("合法回调归一化", func(t *testing.T) {
		body := heleketSigned("hlk-payment-1", "user_555_1704067200_x1", "249.00", "paid", apiKey)
		n, err := p.Parse(body)
		require.NoError(t, err)
		assert.Equal(t, ProviderHeleket, n.Provider)
		assert.Equal(t, "hlk-payment-1", n.ExternalID)
		assert.Equal(t, int64(24900), n.Amount)
		assert.Equal(t, int64(555), n.TelegramID)
		assert.Nil(t, n.SavedMethod)
	})

	t.Run("paid_over 同样入账", func(t *testing.T) {
		body := heleketSigned("hlk-payment-2", "user_555_1704067201_x2", "250.37", "paid_over", apiKey)
		n, err := p.Parse(body)
		require.NoError(t, err)
		assert.Equal(t, int64(25037), n.Amount)
	})

	t.Run("sign 夹在中间同样可校验", func(t *testing.T) {
		base := `{"uuid":"hlk-payment-5","order_id":"user_555_1704067204_x5","amount":"99.00","status":"paid"}`
		body := fmt.Sprintf(`{"uuid":"hlk-payment-5","sign":%q,"order_id":"user_555_1704067204_x5","amount":"99.00","status":"paid"}`,
			heleketSign(base, apiKey))
		n, err := p.Parse([]byte(body))
		require.NoError(t, err)
		assert.Equal(t, int64(9900), n.Amount)
	})

	t.Run("含斜杠字段按渠道转义", func(t *testing.T) {
		base := `{"uuid":"hlk-payment-6","order_id":"user_555_1704067205_x6","amount":"99.00","status":"paid","url_callback":"https://pay.example.com/cb"}`
		body := base[:len(base)-1] + fmt.Sprintf(`,"sign":%q}`, heleketSign(base, apiKey))
		n, err := p.Parse([]byte(body))
		require.NoError(t, err)
		assert.Equal(t, "hlk-payment-6", n.ExternalID)
	})

	t.Run("字母序重排的基串不被接受", func(t *testing.T) {
		// 对同样的字段按字母序签名，字段顺序变了签名必须失效
		sorted := `{"amount":"249.00","order_id":"user_555_1704067200_x1","status":"paid","uuid":"hlk-payment-1"}`
		body := fmt.Sprintf(`{"uuid":"hlk-payment-1","order_id":"user_555_1704067200_x1","amount":"249.00","status":"paid","sign":%q}`,
			heleketSign(sorted, apiKey))
		_, err := p.Parse([]byte(body))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("签名错误拒绝", func(t *testing.T) {
		body := `{"uuid":"hlk-payment-1","order_id":"user_555_1704067200_x1","amount":"249.00","status":"paid","sign":"deadbeef"}`
		_, err := p.Parse([]byte(body))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("缺少签名拒绝", func(t *testing.T) {
		body := `{"uuid":"hlk-payment-1","order_id":"user_555_1704067200_x1","amount":"249.00","status":"paid"}`
		_, err := p.Parse([]byte(body))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("篡改金额拒绝", func(t *testing.T) {
		base := `{"uuid":"hlk-payment-1","order_id":"user_555_1704067200_x1","amount":"249.00","status":"paid"}`
		tampered := fmt.Sprintf(`{"uuid":"hlk-payment-1","order_id":"user_555_1704067200_x1","amount":"9999.00","status":"paid","sign":%q}`,
			heleketSign(base, apiKey))
		_, err := p.Parse([]byte(tampered))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("未支付状态忽略", func(t *testing.T) {
		body := heleketSigned("hlk-payment-3", "user_555_1704067202_x3", "249.00", "cancel", apiKey)
		_, err := p.Parse(body)
		assert.ErrorIs(t, err, ErrNotPaid)
	})

	t.Run("坏订单号返回 ErrBadOrderID", func(t *testing.T) {
		body := heleketSigned("hlk-payment-4", "garbage", "249.00", "paid", apiKey)
		_, err := p.Parse(body)
		assert.ErrorIs(t, err, ErrBadOrderID)
	})
}

func TestPlategaParse(t *testing.T) {
	const secret = "platega-secret"
	p := NewPlategaParser(secret)

	body, err := json.Marshal(map[string]interface{}{
		"transactionId": "plt-tx-1",
		"paymentId":     "user_777_1704067200_n1",
		"amount":        "449.00",
		"status":        "CONFIRMED",
	})
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sign := hex.EncodeToString(mac.Sum(nil))

	t.Run("合法回调归一化", func(t *testing.T) {
		n, err := p.Parse(body, sign)
		require.NoError(t, err)
		assert.Equal(t, ProviderPlatega, n.Provider)
		assert.Equal(t, "plt-tx-1", n.ExternalID)
		assert.Equal(t, int64(44900), n.Amount)
		assert.Equal(t, int64(777), n.TelegramID)
	})

	t.Run("签名错误拒绝", func(t *testing.T) {
		_, err := p.Parse(body, "00ff")
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("篡改体拒绝", func(t *testing.T) {
		tampered := append([]byte(nil), body...)
		tampered[len(tampered)-2] = 'X'
		_, err := p.Parse(tampered, sign)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
}

func TestYooKassaParse(t *testing.T) {
	p := NewYooKassaParser()

	t.Run("payment.succeeded 带保存卡片", func(t *testing.T) {
		body := []byte(`{
			"event": "payment.succeeded",
			"object": {
				"id": "yk-payment-1",
				"status": "succeeded",
				"amount": {"value": "799.00", "currency": "RUB"},
				"metadata": {"user_id": "999"},
				"payment_method": {
					"id": "pm-1", "type": "bank_card", "saved": true,
					"card": {"last4": "4444", "card_type": "MasterCard"}
				}
			}
		}`)
		n, err := p.Parse(body)
		require.NoError(t, err)
		assert.Equal(t, ProviderYooKassa, n.Provider)
		assert.Equal(t, "yk-payment-1", n.ExternalID)
		assert.Equal(t, int64(79900), n.Amount)
		assert.Equal(t, int64(999), n.TelegramID)
		require.NotNil(t, n.SavedMethod)
		assert.Equal(t, "pm-1", n.SavedMethod.MethodID)
		assert.Equal(t, "4444", n.SavedMethod.CardLast4)
	})

	t.Run("metadata 缺失回退订单号", func(t *testing.T) {
		body := []byte(`{
			"event": "payment.succeeded",
			"object": {
				"id": "yk-payment-2",
				"status": "succeeded",
				"amount": {"value": "99.00", "currency": "RUB"},
				"description": "user_321_1704067200_z9"
			}
		}`)
		n, err := p.Parse(body)
		require.NoError(t, err)
		assert.Equal(t, int64(321), n.TelegramID)
		assert.Nil(t, n.SavedMethod)
	})

	t.Run("非成功事件忽略", func(t *testing.T) {
		body := []byte(`{"event":"payment.canceled","object":{"id":"yk-3","status":"canceled"}}`)
		_, err := p.Parse(body)
		assert.ErrorIs(t, err, ErrNotPaid)
	})

	t.Run("身份无法确定返回 ErrBadOrderID", func(t *testing.T) {
		body := []byte(`{
			"event": "payment.succeeded",
			"object": {
				"id": "yk-4", "status": "succeeded",
				"amount": {"value": "99.00", "currency": "RUB"},
				"description": "manual top-up"
			}
		}`)
		_, err := p.Parse(body)
		assert.ErrorIs(t, err, ErrBadOrderID)
	})
}
