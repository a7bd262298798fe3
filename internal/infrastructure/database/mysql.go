package database

import (
	"fmt"
	"log"
	"time"

	"vpnpay/internal/config"
	"vpnpay/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// InitMySQL 初始化 MySQL 连接
func InitMySQL(cfg *config.MySQLConfig) *gorm.DB {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	// TranslateError 必须开启：幂等去重依赖 gorm.ErrDuplicatedKey，
	// 不开启时唯一键冲突只能拿到驱动裸错误，去重逻辑会失效
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Info),
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("连接 MySQL 失败: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("获取底层 DB 失败: %v", err)
	}

	// 连接池配置
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// 自动迁移表结构
	err = db.AutoMigrate(
		&model.Account{},
		&model.VPNKey{},
		&model.Transaction{},
		&model.PromoCode{},
		&model.PromoRedemption{},
		&model.AccountDiscount{},
		&model.DailyTrafficStat{},
		&model.TariffPlan{},
		&model.WhitelistSettings{},
		&model.SavedPaymentMethod{},
		&model.NotifyOutbox{},
	)
	if err != nil {
		log.Fatalf("自动迁移表结构失败: %v", err)
	}

	if err := SeedDefaultPlans(db); err != nil {
		log.Fatalf("初始化默认资费失败: %v", err)
	}

	DB = db
	log.Println("MySQL 连接成功")
	return db
}

// SeedDefaultPlans 空表时写入默认 VPN 资费，已有数据不动
func SeedDefaultPlans(db *gorm.DB) error {
	var count int64
	if err := db.Model(&model.TariffPlan{}).
		Where("plan_type = ?", model.PlanTypeVPN).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	defaults := []model.TariffPlan{
		{PlanType: model.PlanTypeVPN, Name: "1 месяц", Price: 9900, DurationDays: 30, IsActive: true, SortOrder: 1},
		{PlanType: model.PlanTypeVPN, Name: "3 месяца", Price: 24900, DurationDays: 90, IsActive: true, SortOrder: 2},
		{PlanType: model.PlanTypeVPN, Name: "6 месяцев", Price: 44900, DurationDays: 180, IsActive: true, SortOrder: 3},
		{PlanType: model.PlanTypeVPN, Name: "1 год", Price: 79900, DurationDays: 365, IsActive: true, SortOrder: 4},
		{PlanType: model.PlanTypeVPN, Name: "2 года", Price: 119900, DurationDays: 730, IsActive: true, SortOrder: 5},
	}
	return db.Create(&defaults).Error
}
