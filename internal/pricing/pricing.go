package pricing

import (
	"vpnpay/internal/model"
)

// ============================================================================
// 计价引擎
// ============================================================================
//
// 三套互相独立的纯函数计价策略，输入相同则输出必然相同：
//
//   1. 固定资费 —— 管理员配置的计划价，缺省按天兜底
//   2. 阶梯计价 —— 历史版 whitelist，跨档累进（同个税结构）
//   3. 平价计价 —— 现行 whitelist，订阅费 + 单价 × GB
//
// 订阅购买根据计划类型选择策略，计价逻辑本身不做任何 I/O。
// 金额单位一律为戈比。
//
// ============================================================================

// Policy 计价策略
type Policy int

const (
	PolicyFlatTariff Policy = iota // 固定资费计划
	PolicyProgressiveWhitelist     // 阶梯 whitelist（历史版）
	PolicyFlatWhitelist            // 平价 whitelist（现行版）
)

// WhitelistPolicy 把计费参数里存的计价类型翻译成策略
// 未知取值按现行版处理
func WhitelistPolicy(pricingType string) Policy {
	if pricingType == model.WhitelistPricingProgressive {
		return PolicyProgressiveWhitelist
	}
	return PolicyFlatWhitelist
}

// Whitelist 按策略给 whitelist 购买计价
// 历史版阶梯价不收订阅费，现行版收
func Whitelist(policy Policy, gb int64, settings *model.WhitelistSettings) int64 {
	if policy == PolicyProgressiveWhitelist {
		return ProgressiveWhitelist(gb, DefaultBands)
	}
	return FlatWhitelist(gb, settings)
}

// Band 阶梯档位：[From, To] 区间内每 GB 按 Rate 计费
// 档位是数据不是代码，调整价格表不需要改逻辑
type Band struct {
	From int64 // 含
	To   int64 // 含
	Rate int64 // 戈比/GB
}

// DefaultBands 历史版阶梯价格表
// 5–9 ГБ 30₽、10–14 ГБ 25₽、15–24 ГБ 20₽、25–50 ГБ 15₽
var DefaultBands = []Band{
	{From: 5, To: 9, Rate: 3000},
	{From: 10, To: 14, Rate: 2500},
	{From: 15, To: 24, Rate: 2000},
	{From: 25, To: 50, Rate: 1500},
}

// FlatTariff 固定资费：计划配置价优先，按天单价兜底
func FlatTariff(plan *model.TariffPlan, legacyPerDiem int64) int64 {
	if plan != nil && plan.Price > 0 {
		return plan.Price
	}
	if plan != nil {
		return int64(plan.DurationDays) * legacyPerDiem
	}
	return 0
}

// ProgressiveWhitelist 阶梯累进计价
// GB 先钳制到价格表覆盖范围；每一档只对落在该档内的 GB 计费，
// 一个 GB 值归属于下限不超过它的最高档
func ProgressiveWhitelist(gb int64, bands []Band) int64 {
	if len(bands) == 0 {
		return 0
	}
	min := bands[0].From
	max := bands[len(bands)-1].To
	if gb < min {
		gb = min
	}
	if gb > max {
		gb = max
	}

	var total int64
	for _, band := range bands {
		if gb < band.From {
			break
		}
		upper := band.To
		if gb < upper {
			upper = gb
		}
		total += (upper - band.From + 1) * band.Rate
	}
	return total
}

// FlatWhitelist 现行版：订阅费 + clamp(gb) × 单价
func FlatWhitelist(gb int64, settings *model.WhitelistSettings) int64 {
	if gb < settings.MinGB {
		gb = settings.MinGB
	}
	if gb > settings.MaxGB {
		gb = settings.MaxGB
	}
	return settings.SubscriptionFee + gb*settings.PricePerGB
}

// MeteredGB 自动扣费单次加量（1 GB）的价格
func MeteredGB(settings *model.WhitelistSettings) int64 {
	return settings.PricePerGB
}

// ApplyDiscount 按百分比折扣，向下取整到戈比
func ApplyDiscount(price, percent int64) int64 {
	if percent <= 0 {
		return price
	}
	if percent >= 100 {
		return 0
	}
	return price - price*percent/100
}
