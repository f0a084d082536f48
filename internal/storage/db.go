package storage

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	logger2 "streamgate/internal/logger"
)

// Options 数据库参数
type Options struct {
	DSN    string
	Prefix string
	Debug  bool
}

// Open 打开 sqlite 数据库并迁移表结构
func Open(opts Options, l logger2.Logger) (*gorm.DB, error) {
	level := logger.Warn
	if opts.Debug {
		level = logger.Info
	}
	db, err := gorm.Open(sqlite.Open(opts.DSN), &gorm.Config{
		Logger:         NewGormLogger(l, level),
		NamingStrategy: schema.NamingStrategy{TablePrefix: opts.Prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", opts.DSN, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("storage: pool: %w", err)
	}
	// sqlite 单写者
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&AttemptRecord{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return db, nil
}
