package storage

import (
	"fmt"
	"time"

	"thebalance/config"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	DB  *gorm.DB
	Log *logrus.Logger
)

// InitDB 根据应用配置初始化数据库连接。
func InitDB(logger *logrus.Logger) (*gorm.DB, error) {
	Log = logger
	var err error
	var dsn string

	dbType := config.AppSettings.DBType
	Log.Infof("正在初始化数据库，类型: %s", dbType)

	// GORM 日志配置
	gormLogLevel := gormlogger.Silent
	if Log.GetLevel() >= logrus.DebugLevel {
		gormLogLevel = gormlogger.Info
	}
	newLogger := gormlogger.New(
		Log, // io writer
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	gormConfig := &gorm.Config{
		Logger: newLogger,
	}

	switch dbType {
	case "sqlite":
		dsn = config.AppSettings.DBConnectionStringSqlite
		DB, err = gorm.Open(sqlite.Open(dsn), gormConfig)
	case "mysql":
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			config.AppSettings.MySQLUser,
			config.AppSettings.MySQLPassword,
			config.AppSettings.MySQLHost,
			config.AppSettings.MySQLPort,
			config.AppSettings.MySQLDBName,
		)
		DB, err = gorm.Open(mysql.Open(dsn), gormConfig)
	default:
		return nil, fmt.Errorf("不支持的数据库类型: %s (支持 sqlite 或 mysql)", dbType)
	}

	if err != nil {
		return nil, fmt.Errorf("连接数据库失败 (%s): %w", dbType, err)
	}

	// 自动迁移密钥表结构。
	if err := DB.AutoMigrate(&APIKey{}); err != nil {
		return nil, fmt.Errorf("数据库自动迁移失败: %w", err)
	}

	Log.Infof("数据库初始化完成 (类型: %s)。", dbType)
	return DB, nil
}
