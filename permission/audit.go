package permission

import (
	"context"
	"encoding/json"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// AuditEntry is one persisted permission decision. The audit trail is
// best-effort and off the hot path: a write failure is logged, never
// propagated to the deciding session.
type AuditEntry struct {
	ID        uint   `gorm:"primaryKey"`
	RequestID string `gorm:"index"`
	UserID    string `gorm:"index"`
	SessionID string `gorm:"index"`
	Operation string `gorm:"index"`
	Tier      string
	State     string
	Reason    string
	Details   string
	CreatedAt time.Time
	DecidedAt time.Time
}

// TableName keeps the table name explicit.
func (AuditEntry) TableName() string { return "permission_audit" }

// AuditLog persists terminal permission decisions to SQLite.
type AuditLog struct {
	db     *gorm.DB
	logger *zap.Logger
}

// OpenAuditLog opens (and migrates) the audit database at path.
func OpenAuditLog(path string, logger *zap.Logger) (*AuditLog, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&AuditEntry{}); err != nil {
		return nil, err
	}
	return &AuditLog{
		db:     db,
		logger: logger.With(zap.String("component", "permission_audit")),
	}, nil
}

// Record writes the terminal state of req. Failures are logged and dropped.
func (a *AuditLog) Record(ctx context.Context, req *Request) {
	details, _ := json.Marshal(req.Details)
	entry := AuditEntry{
		RequestID: req.ID,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Operation: req.Operation,
		Tier:      string(req.Tier),
		State:     string(req.State),
		Reason:    req.Reason,
		Details:   string(details),
		CreatedAt: req.CreatedAt,
	}
	if req.DecidedAt != nil {
		entry.DecidedAt = *req.DecidedAt
	}
	if err := a.db.WithContext(ctx).Create(&entry).Error; err != nil {
		a.logger.Warn("audit write failed",
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
	}
}

// Recent returns the latest limit entries, newest first.
func (a *AuditLog) Recent(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []AuditEntry
	err := a.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&entries).Error
	return entries, err
}
