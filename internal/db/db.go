package db

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/models"
)

// Connect opens a lazily connected pool. An unreachable database does not
// fail startup: the chat path degrades to ephemeral sessions instead.
func Connect(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", "mysql":
		dialector = mysql.New(mysql.Config{DSN: dsn, SkipInitializeWithVersion: true})
	case "postgres":
		dialector = postgres.New(postgres.Config{DSN: dsn})
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER=%q", driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		DisableAutomaticPing: true,
		TranslateError:       true,
		Logger:               logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return gdb, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.User{}, &chat.Session{}, &chat.Message{}, &chat.ShareCard{})
}

// MustConnect is Connect + Migrate for binaries that can run without a
// database; migration failures are logged, not fatal.
func MustConnect(driver, dsn string, log *zap.Logger) *gorm.DB {
	gdb, err := Connect(driver, dsn)
	if err != nil {
		log.Fatal("db connect failed", zap.String("driver", driver), zap.Error(err))
	}
	if err := Migrate(gdb); err != nil {
		log.Warn("db migrate failed, durable storage may be unavailable", zap.Error(err))
	}
	return gdb
}
