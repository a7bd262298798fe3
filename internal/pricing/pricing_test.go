package pricing

import (
	"testing"

	"vpnpay/internal/model"

	"github.com/stretchr/testify/assert"
)

func TestProgressiveWhitelistBoundaries(t *testing.T) {
	tests := []struct {
		name string
		gb   int64
		want int64
	}{
		{name: "first band upper edge", gb: 9, want: 15000},
		{name: "second band lower edge", gb: 10, want: 17500},
		{name: "third band upper edge", gb: 24, want: 47500},
		{name: "last band upper edge", gb: 50, want: 86500},
		{name: "mid second band", gb: 12, want: 15000 + 3*2500},
		{name: "below minimum clamps up", gb: 1, want: 15000},
		{name: "minimum itself", gb: 5, want: 5 * 3000},
		{name: "above maximum clamps down", gb: 500, want: 86500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ProgressiveWhitelist(tt.gb, DefaultBands))
		})
	}
}

func TestProgressiveWhitelistEmptyBands(t *testing.T) {
	assert.Equal(t, int64(0), ProgressiveWhitelist(10, nil))
}

func TestFlatWhitelist(t *testing.T) {
	settings := &model.WhitelistSettings{
		SubscriptionFee: 10000,
		PricePerGB:      1500,
		MinGB:           5,
		MaxGB:           500,
	}

	tests := []struct {
		name string
		gb   int64
		want int64
	}{
		{name: "regular volume", gb: 20, want: 10000 + 20*1500},
		{name: "below minimum clamps to 5", gb: 1, want: 10000 + 5*1500},
		{name: "above maximum clamps to 500", gb: 9000, want: 10000 + 500*1500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FlatWhitelist(tt.gb, settings))
		})
	}
}

func TestWhitelistPolicyDispatch(t *testing.T) {
	settings := &model.WhitelistSettings{
		PricingType:     model.WhitelistPricingFlat,
		SubscriptionFee: 10000,
		PricePerGB:      1500,
		MinGB:           5,
		MaxGB:           500,
	}

	// 现行版：订阅费 + 单价 × GB
	assert.Equal(t, PolicyFlatWhitelist, WhitelistPolicy(model.WhitelistPricingFlat))
	assert.Equal(t, int64(25000), Whitelist(PolicyFlatWhitelist, 10, settings))

	// 历史版：纯阶梯价，不收订阅费
	assert.Equal(t, PolicyProgressiveWhitelist, WhitelistPolicy(model.WhitelistPricingProgressive))
	assert.Equal(t, int64(17500), Whitelist(PolicyProgressiveWhitelist, 10, settings))
	assert.Equal(t, int64(86500), Whitelist(PolicyProgressiveWhitelist, 50, settings))

	// 未知取值按现行版兜底
	assert.Equal(t, PolicyFlatWhitelist, WhitelistPolicy(""))
}

func TestFlatTariff(t *testing.T) {
	plan := &model.TariffPlan{Price: 9900, DurationDays: 30}
	assert.Equal(t, int64(9900), FlatTariff(plan, 330))

	// 计划未配置价格时按天兜底
	legacy := &model.TariffPlan{Price: 0, DurationDays: 30}
	assert.Equal(t, int64(30*330), FlatTariff(legacy, 330))

	assert.Equal(t, int64(0), FlatTariff(nil, 330))
}

func TestMeteredGB(t *testing.T) {
	settings := &model.WhitelistSettings{PricePerGB: 1500}
	assert.Equal(t, int64(1500), MeteredGB(settings))
}

func TestApplyDiscount(t *testing.T) {
	assert.Equal(t, int64(9900), ApplyDiscount(9900, 0))
	assert.Equal(t, int64(4950), ApplyDiscount(9900, 50))
	assert.Equal(t, int64(0), ApplyDiscount(9900, 100))
	// 折扣金额向下取整，用户侧只多不少
	assert.Equal(t, int64(34), ApplyDiscount(99, 66))
}
