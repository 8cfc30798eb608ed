// Package storage 在本地 SQLite 中保存投递日志
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"hardaltrack/internal/logger"
	"hardaltrack/pkg/domain"
)

// DeliveryRecord 投递日志表
type DeliveryRecord struct {
	ID         uint   `gorm:"primaryKey"`
	SessionID  string `gorm:"size:64;index"`
	EventName  string `gorm:"size:128"`
	Type       string `gorm:"size:16"`
	Status     string `gorm:"size:16;index"`
	Reason     string `gorm:"size:32"`
	HTTPStatus int
	Error      string
	DurationMS int64
	CreatedAt  time.Time `gorm:"index"`
}

// Journal 投递日志
type Journal struct {
	db  *gorm.DB
	log logger.Logger
}

// Open 打开（必要时创建）数据库并迁移表结构
func Open(dsn, prefix string, l logger.Logger) (*Journal, error) {
	if l == nil {
		l = logger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         NewGormLogger(l).LogMode(gormlogger.Warn),
		NamingStrategy: schema.NamingStrategy{TablePrefix: prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&DeliveryRecord{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	l.Info("投递日志已打开", "dsn", dsn)
	return &Journal{db: db, log: l}, nil
}

// Record 写入一条投递记录
func (j *Journal) Record(ctx context.Context, r domain.DeliveryReport) error {
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	rec := DeliveryRecord{
		SessionID:  string(r.Session),
		EventName:  r.EventName,
		Type:       r.Type,
		Status:     r.Status,
		Reason:     r.Reason,
		HTTPStatus: r.HTTPStatus,
		Error:      r.Error,
		DurationMS: r.Duration.Milliseconds(),
		CreatedAt:  at,
	}
	ctx = WithSession(ctx, string(r.Session))
	return j.db.WithContext(ctx).Create(&rec).Error
}

// Recent 按时间倒序返回最近的记录
func (j *Journal) Recent(ctx context.Context, limit int) ([]domain.DeliveryReport, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []DeliveryRecord
	if err := j.db.WithContext(ctx).Order("created_at desc, id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.DeliveryReport, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.DeliveryReport{
			Session:    domain.SessionID(r.SessionID),
			EventName:  r.EventName,
			Type:       r.Type,
			Status:     r.Status,
			Reason:     r.Reason,
			HTTPStatus: r.HTTPStatus,
			Error:      r.Error,
			Duration:   time.Duration(r.DurationMS) * time.Millisecond,
			At:         r.CreatedAt,
		})
	}
	return out, nil
}

// Close 关闭底层连接
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
