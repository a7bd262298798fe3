package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Provision ProvisionConfig `mapstructure:"provision"`
	Business  BusinessConfig  `mapstructure:"business"`
}

type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	AdminToken string `mapstructure:"admin_token"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	NotifyUser  string `mapstructure:"notify_user"`
	NotifyAdmin string `mapstructure:"notify_admin"`
}

// ProvidersConfig 支付渠道配置
// 密钥用于 webhook 签名校验，由各渠道后台下发
type ProvidersConfig struct {
	YooKassa YooKassaConfig `mapstructure:"yookassa"`
	Heleket  HeleketConfig  `mapstructure:"heleket"`
	Platega  PlategaConfig  `mapstructure:"platega"`
}

type YooKassaConfig struct {
	ShopID    string `mapstructure:"shop_id"`
	SecretKey string `mapstructure:"secret_key"`
	APIURL    string `mapstructure:"api_url"`
}

type HeleketConfig struct {
	Merchant string `mapstructure:"merchant"`
	APIKey   string `mapstructure:"api_key"`
	APIURL   string `mapstructure:"api_url"`
}

type PlategaConfig struct {
	MerchantID string `mapstructure:"merchant_id"`
	SecretKey  string `mapstructure:"secret_key"`
	APIURL     string `mapstructure:"api_url"`
}

// ProvisionConfig VPN 开通服务（外部面板）配置
type ProvisionConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Token          string `mapstructure:"token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// BusinessConfig 业务参数
// 金额单位统一为戈比（1卢布 = 100戈比），整数运算避免浮点误差
type BusinessConfig struct {
	// 自动扣费允许的最低负余额（负数，默认 -1500 即 -15₽）
	AutoPayFloor int64 `mapstructure:"auto_pay_floor"`
	// 自动扣费触发阈值：剩余流量低于该值（MB）时扣费加量
	AutoPayThresholdMB int64 `mapstructure:"auto_pay_threshold_mb"`
	// 每日流量封顶（GB），超过后封禁密钥
	DailyTrafficCapGB int64 `mapstructure:"daily_traffic_cap_gb"`
	// 封禁密钥数达到该值后封禁账户
	BannedKeysLimit int `mapstructure:"banned_keys_limit"`
	// 同一密钥上不同设备的互斥窗口（秒）
	DeviceWindowSeconds int `mapstructure:"device_window_seconds"`
	// 计量策略: auto_extend / hard_cutoff，同一部署只启用一种
	MeteringPolicy string `mapstructure:"metering_policy"`
	// hard_cutoff 策略的超量单价（戈比/GB）
	OveragePricePerGB int64 `mapstructure:"overage_price_per_gb"`
	// 试用期天数与流量（GB）
	TrialDays      int   `mapstructure:"trial_days"`
	TrialTrafficGB int64 `mapstructure:"trial_traffic_gb"`
	// 按天兜底计价（戈比/天），仅在计划未配置价格时使用
	LegacyPerDiem int64 `mapstructure:"legacy_per_diem"`
	// 默认推荐分成比例（百分比）
	DefaultReferralRate int `mapstructure:"default_referral_rate"`
	// 发件箱消息最大重试次数
	MaxRetryCount int `mapstructure:"max_retry_count"`
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	ApplyBusinessDefaults(&config.Business)
	GlobalConfig = config
	return config
}

// ApplyBusinessDefaults 填充未配置的业务参数
func ApplyBusinessDefaults(b *BusinessConfig) {
	if b.AutoPayFloor == 0 {
		b.AutoPayFloor = -1500
	}
	if b.AutoPayThresholdMB == 0 {
		b.AutoPayThresholdMB = 100
	}
	if b.DailyTrafficCapGB == 0 {
		b.DailyTrafficCapGB = 80
	}
	if b.BannedKeysLimit == 0 {
		b.BannedKeysLimit = 3
	}
	if b.DeviceWindowSeconds == 0 {
		b.DeviceWindowSeconds = 300
	}
	if b.MeteringPolicy == "" {
		b.MeteringPolicy = MeteringAutoExtend
	}
	if b.OveragePricePerGB == 0 {
		b.OveragePricePerGB = 1500
	}
	if b.TrialDays == 0 {
		b.TrialDays = 1
	}
	if b.TrialTrafficGB == 0 {
		b.TrialTrafficGB = 10
	}
	if b.LegacyPerDiem == 0 {
		b.LegacyPerDiem = 330
	}
	if b.DefaultReferralRate == 0 {
		b.DefaultReferralRate = 20
	}
	if b.MaxRetryCount == 0 {
		b.MaxRetryCount = 5
	}
}

// 计量策略取值
const (
	MeteringAutoExtend = "auto_extend"
	MeteringHardCutoff = "hard_cutoff"
)
