// Package infra は外部サービスとの接続を提供する。
package infra

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"credential-registry/config"
)

// Driver はDATABASE_URLから判定したドライバ名。
type Driver string

const (
	DriverSQLite Driver = "sqlite"
	DriverMySQL  Driver = "mysql"
)

// ParseDatabaseURL はDSNからドライバと接続文字列を判定する。
// sqlite://path、file:...、*.db、:memory: はSQLite、それ以外はMySQLのDSNとして扱う。
func ParseDatabaseURL(url string) (Driver, string) {
	switch {
	case strings.HasPrefix(url, "sqlite://"):
		return DriverSQLite, strings.TrimPrefix(url, "sqlite://")
	case strings.HasPrefix(url, "file:"), url == ":memory:", strings.HasSuffix(url, ".db"):
		return DriverSQLite, url
	default:
		return DriverMySQL, strings.TrimPrefix(url, "mysql://")
	}
}

// NewDB はgormによるデータベース接続を初期化する。
func NewDB(url string, cfg *config.Config) (*gorm.DB, error) {
	driver, dsn := ParseDatabaseURL(url)

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		dialector = mysql.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}

	if cfg != nil && cfg.OtelEnabled {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return nil, fmt.Errorf("registering tracing plugin: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 接続プール設定
	if driver == DriverSQLite {
		// SQLiteは書き込みが直列化されるため、接続は1本に限定する
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}
