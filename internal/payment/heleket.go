package payment

import (
	"bytes"
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// HeleketParser 加密货币渠道 Heleket 的回调解析器
//
// 签名算法：把回调体去掉 sign 字段后按原始字段顺序紧凑序列化
// （渠道按文档顺序签名，不排序键），斜杠转义成 \/，base64 编码后
// 拼上 api_key，取 MD5 的十六进制小写。
// 对比必须走常数时间，防止时序侧信道探测密钥。
type HeleketParser struct {
	apiKey string
}

func NewHeleketParser(apiKey string) *HeleketParser {
	return &HeleketParser{apiKey: apiKey}
}

type heleketBody struct {
	UUID    string `json:"uuid"`
	OrderID string `json:"order_id"`
	Amount  string `json:"amount"`
	Status  string `json:"status"`
	Sign    string `json:"sign"`
}

// VerifySign 校验原始回调体上的签名
// body 必须是渠道发来的原始字节，键顺序就是签名基串的顺序
func (p *HeleketParser) VerifySign(body []byte) error {
	base, sign, err := heleketSignBase(body)
	if err != nil {
		return fmt.Errorf("回调体解析失败: %w", err)
	}
	if sign == "" {
		return ErrInvalidSignature
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(base))
	sum := md5.Sum([]byte(encoded + p.apiKey))
	expected := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sign)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// heleketSignBase 从原始回调体构造签名基串：剔除顶层 sign 字段，
// 其余成员按原顺序紧凑重排，斜杠按渠道要求转义为 \/
func heleketSignBase(body []byte) (base, sign string, err error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return "", "", err
	}
	if tok != json.Delim('{') {
		return "", "", fmt.Errorf("回调体不是 JSON 对象")
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return "", "", err
		}
		key, ok := keyTok.(string)
		if !ok {
			return "", "", fmt.Errorf("非法的对象键")
		}
		if key == "sign" {
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return "", "", err
			}
			if err := json.Unmarshal(raw, &sign); err != nil {
				return "", "", fmt.Errorf("sign 字段不是字符串")
			}
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		writeJSONString(&buf, key)
		buf.WriteByte(':')
		if err := writeCompactValue(dec, &buf); err != nil {
			return "", "", err
		}
	}
	if _, err := dec.Token(); err != nil { // 吃掉收尾的 '}'
		return "", "", err
	}
	buf.WriteByte('}')

	return strings.ReplaceAll(buf.String(), "/", "\\/"), sign, nil
}

// writeCompactValue 按 token 流顺序重排一个 JSON 值，保持键顺序
func writeCompactValue(dec *json.Decoder, buf *bytes.Buffer) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			buf.WriteByte('{')
			first := true
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return err
				}
				key, ok := keyTok.(string)
				if !ok {
					return fmt.Errorf("非法的对象键")
				}
				if !first {
					buf.WriteByte(',')
				}
				first = false
				writeJSONString(buf, key)
				buf.WriteByte(':')
				if err := writeCompactValue(dec, buf); err != nil {
					return err
				}
			}
			if _, err := dec.Token(); err != nil {
				return err
			}
			buf.WriteByte('}')
		case '[':
			buf.WriteByte('[')
			first := true
			for dec.More() {
				if !first {
					buf.WriteByte(',')
				}
				first = false
				if err := writeCompactValue(dec, buf); err != nil {
					return err
				}
			}
			if _, err := dec.Token(); err != nil {
				return err
			}
			buf.WriteByte(']')
		}
	case string:
		writeJSONString(buf, v)
	case json.Number:
		buf.WriteString(v.String())
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case nil:
		buf.WriteString("null")
	}
	return nil
}

// writeJSONString 序列化字符串，不做 HTML 转义（渠道端也不做）
func writeJSONString(buf *bytes.Buffer, s string) {
	var sb bytes.Buffer
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	// 字符串编码不会失败
	_ = enc.Encode(s)
	buf.Write(bytes.TrimRight(sb.Bytes(), "\n"))
}

// Parse 校验签名后归一化成 Notice
// status=paid / paid_over 之外的状态返回 ErrNotPaid
func (p *HeleketParser) Parse(body []byte) (*Notice, error) {
	if err := p.VerifySign(body); err != nil {
		return nil, err
	}
	var b heleketBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("回调体解析失败: %w", err)
	}
	if b.Status != "paid" && b.Status != "paid_over" {
		return nil, ErrNotPaid
	}
	telegramID, err := ParseOrderID(b.OrderID)
	if err != nil {
		return nil, err
	}
	amount, err := ParseAmount(b.Amount)
	if err != nil {
		return nil, err
	}
	return &Notice{
		Provider:   ProviderHeleket,
		ExternalID: b.UUID,
		Amount:     amount,
		TelegramID: telegramID,
	}, nil
}
