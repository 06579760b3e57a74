// Package record persists per-request usage to SQLite. The store is fed by a
// hook subscriber on the completion events, so recording failures never touch
// the data plane.
package record

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ccproxy/ccproxy/internal/hooks"
	"github.com/ccproxy/ccproxy/internal/reqctx"
)

// DBFileName is the store file under the base directory.
const DBFileName = "usage.db"

// UsageRecord is one proxied request.
type UsageRecord struct {
	ID               uint      `gorm:"primaryKey;autoIncrement;column:id"`
	RequestID        string    `gorm:"column:request_id;index;not null"`
	Provider         string    `gorm:"column:provider;index:idx_provider_model;not null"`
	Model            string    `gorm:"column:model;index:idx_provider_model"`
	SourceFormat     string    `gorm:"column:source_format"`
	TargetFormat     string    `gorm:"column:target_format"`
	Timestamp        time.Time `gorm:"column:timestamp;index;not null"`
	InputTokens      int64     `gorm:"column:input_tokens;not null"`
	OutputTokens     int64     `gorm:"column:output_tokens;not null"`
	TotalTokens      int64     `gorm:"column:total_tokens;not null"`
	CacheReadTokens  int64     `gorm:"column:cache_read_tokens"`
	CacheWriteTokens int64     `gorm:"column:cache_write_tokens"`
	ReasoningTokens  int64     `gorm:"column:reasoning_tokens"`
	Status           string    `gorm:"column:status;index;not null"` // success, error
	ErrorReason      string    `gorm:"column:error_reason"`
	LatencyMs        int64     `gorm:"column:latency_ms"`
	Streamed         bool      `gorm:"column:streamed;default:0"`
}

// TableName specifies the table name for GORM
func (UsageRecord) TableName() string {
	return "usage_records"
}

// AggregatedStat is one row of grouped usage.
type AggregatedStat struct {
	Key          string  `json:"key"`
	Provider     string  `json:"provider,omitempty"`
	Model        string  `json:"model,omitempty"`
	RequestCount int64   `json:"request_count"`
	TotalTokens  int64   `json:"total_tokens"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	ErrorCount   int64   `json:"error_count"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Store persists usage records in SQLite.
type Store struct {
	db     *gorm.DB
	dbPath string
}

// NewStore opens or creates the usage database under baseDir.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("record: create store directory: %w", err)
	}

	dbPath := filepath.Join(baseDir, DBFileName)
	dsn := dbPath + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("record: open usage database: %w", err)
	}

	if err := db.AutoMigrate(&UsageRecord{}); err != nil {
		return nil, fmt.Errorf("record: migrate usage database: %w", err)
	}
	return &Store{db: db, dbPath: dbPath}, nil
}

// Record inserts one usage record.
func (s *Store) Record(record *UsageRecord) error {
	if record == nil {
		return errors.New("record cannot be nil")
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	record.TotalTokens = record.InputTokens + record.OutputTokens
	if record.Status == "" {
		record.Status = "success"
	}
	return s.db.Create(record).Error
}

// Recent returns the newest records, newest first.
func (s *Store) Recent(limit int) ([]UsageRecord, error) {
	var records []UsageRecord
	err := s.db.Order("timestamp DESC").Limit(limit).Find(&records).Error
	return records, err
}

// AggregateByModel groups usage per provider and model inside the window.
func (s *Store) AggregateByModel(since time.Time) ([]AggregatedStat, error) {
	db := s.db.Model(&UsageRecord{})
	if !since.IsZero() {
		db = db.Where("timestamp >= ?", since)
	}

	var stats []AggregatedStat
	err := db.
		Select(`
			model as key,
			COALESCE(provider, '') as provider,
			COALESCE(model, '') as model,
			COUNT(*) as request_count,
			COALESCE(SUM(total_tokens), 0) as total_tokens,
			COALESCE(SUM(input_tokens), 0) as input_tokens,
			COALESCE(SUM(output_tokens), 0) as output_tokens,
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0) as error_count,
			COALESCE(AVG(latency_ms), 0) as avg_latency_ms
		`).
		Group("provider, model").
		Order("total_tokens DESC").
		Scan(&stats).Error
	return stats, err
}

// DeleteOlderThan prunes records before the cutoff.
func (s *Store) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result := s.db.Where("timestamp < ?", cutoff).Delete(&UsageRecord{})
	return result.RowsAffected, result.Error
}

// Attach subscribes the store to the completion events. The record is built
// from the request context metadata snapshot carried in the event.
func (s *Store) Attach(bus *hooks.Bus, priority int) {
	handler := func(ctx context.Context, ev *hooks.Event) error {
		rec := recordFromEvent(ev)
		if rec == nil {
			return nil
		}
		if err := s.Record(rec); err != nil {
			logrus.Errorf("record: persist usage: %v", err)
			return err
		}
		return nil
	}
	bus.Subscribe(hooks.RequestCompleted, priority, "record", handler)
	bus.Subscribe(hooks.RequestFailed, priority, "record", handler)
}

func recordFromEvent(ev *hooks.Event) *UsageRecord {
	id, _ := ev.Data["request_id"].(string)
	if id == "" {
		return nil
	}
	rec := &UsageRecord{
		RequestID:        id,
		Timestamp:        ev.Timestamp,
		Provider:         str(ev.Data, "provider"),
		Model:            str(ev.Data, reqctx.MetaModel),
		SourceFormat:     str(ev.Data, "source_format"),
		TargetFormat:     str(ev.Data, "target_format"),
		InputTokens:      i64(ev.Data, reqctx.MetaTokensInput),
		OutputTokens:     i64(ev.Data, reqctx.MetaTokensOutput),
		CacheReadTokens:  i64(ev.Data, reqctx.MetaCacheReadTokens),
		CacheWriteTokens: i64(ev.Data, reqctx.MetaCacheWriteTokens),
		ReasoningTokens:  i64(ev.Data, reqctx.MetaReasoningTokens),
		LatencyMs:        i64(ev.Data, reqctx.MetaDurationMS),
	}
	if streamed, ok := ev.Data["streamed"].(bool); ok {
		rec.Streamed = streamed
	}
	if ev.Kind == hooks.RequestFailed {
		rec.Status = "error"
		rec.ErrorReason = str(ev.Data, reqctx.MetaError)
	}
	return rec
}

func str(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

func i64(data map[string]any, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
