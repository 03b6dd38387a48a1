package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/miradorstack/mirador-watchdog/internal/ledger"
	"github.com/miradorstack/mirador-watchdog/internal/models"
)

// LedgerRow is the relational shape of a ledger entry. The unique index on
// sequence is what serialises concurrent writers.
type LedgerRow struct {
	ID           uint      `gorm:"primaryKey"`
	Sequence     int64     `gorm:"uniqueIndex;not null"`
	Actor        string    `gorm:"size:128;index"`
	Action       string    `gorm:"size:128;index"`
	Resource     string    `gorm:"size:256;index"`
	Subsystem    string    `gorm:"size:128"`
	Payload      string    `gorm:"type:text"`
	Result       string    `gorm:"size:128"`
	Timestamp    time.Time `gorm:"column:recorded_at;index"`
	EntryHash    string    `gorm:"size:64;not null"`
	PreviousHash string    `gorm:"size:64;not null"`
}

func (LedgerRow) TableName() string {
	return "ledger_entries"
}

// OpenSQL opens a gorm connection for driver "sqlite" or "postgres".
func OpenSQL(driver, dsn string, logLevel logger.LogLevel) (*gorm.DB, error) {
	config := &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
	}

	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if dialector.Name() == "sqlite" {
		// One connection keeps :memory: databases shared and avoids
		// SQLITE_BUSY between pooled writers.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// SQLStore persists the ledger through gorm.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore migrates the ledger table and returns a store.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("sql store requires a database")
	}
	if err := db.AutoMigrate(&LedgerRow{}); err != nil {
		return nil, fmt.Errorf("migrate ledger table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Insert writes entry in a single statement.
func (s *SQLStore) Insert(ctx context.Context, entry models.LedgerEntry) error {
	row := toRow(entry)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isConflict(err) {
			return fmt.Errorf("%w: sequence %d", ledger.ErrConflict, entry.Sequence)
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// Last returns the highest-sequence entry.
func (s *SQLStore) Last(ctx context.Context) (models.LedgerEntry, bool, error) {
	var rows []LedgerRow
	err := s.db.WithContext(ctx).Order("sequence DESC").Limit(1).Find(&rows).Error
	if err != nil {
		if isConflict(err) {
			return models.LedgerEntry{}, false, ledger.ErrConflict
		}
		return models.LedgerEntry{}, false, fmt.Errorf("read ledger head: %w", err)
	}
	if len(rows) == 0 {
		return models.LedgerEntry{}, false, nil
	}
	return fromRow(rows[0]), true, nil
}

// Range returns entries with from <= sequence <= to; to <= 0 means the head.
func (s *SQLStore) Range(ctx context.Context, from, to int64) ([]models.LedgerEntry, error) {
	return s.Find(ctx, ledger.Filter{From: from, To: to})
}

// Find returns matching entries in ascending sequence order.
func (s *SQLStore) Find(ctx context.Context, filter ledger.Filter) ([]models.LedgerEntry, error) {
	query := s.db.WithContext(ctx).Model(&LedgerRow{})
	if filter.Actor != "" {
		query = query.Where("actor = ?", filter.Actor)
	}
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.Resource != "" {
		query = query.Where("resource = ?", filter.Resource)
	}
	if filter.Subsystem != "" {
		query = query.Where("subsystem = ?", filter.Subsystem)
	}
	if !filter.Since.IsZero() {
		query = query.Where("recorded_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		query = query.Where("recorded_at <= ?", filter.Until)
	}
	if filter.From > 0 {
		query = query.Where("sequence >= ?", filter.From)
	}
	if filter.To > 0 {
		query = query.Where("sequence <= ?", filter.To)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []LedgerRow
	if err := query.Order("sequence ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	out := make([]models.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isConflict(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "database is locked")
}

func toRow(entry models.LedgerEntry) LedgerRow {
	return LedgerRow{
		Sequence:     entry.Sequence,
		Actor:        entry.Actor,
		Action:       entry.Action,
		Resource:     entry.Resource,
		Subsystem:    entry.Subsystem,
		Payload:      string(entry.Payload),
		Result:       entry.Result,
		Timestamp:    entry.Timestamp,
		EntryHash:    entry.EntryHash,
		PreviousHash: entry.PreviousHash,
	}
}

func fromRow(row LedgerRow) models.LedgerEntry {
	return models.LedgerEntry{
		Sequence:     row.Sequence,
		Actor:        row.Actor,
		Action:       row.Action,
		Resource:     row.Resource,
		Subsystem:    row.Subsystem,
		Payload:      []byte(row.Payload),
		Result:       row.Result,
		Timestamp:    row.Timestamp.UTC(),
		EntryHash:    row.EntryHash,
		PreviousHash: row.PreviousHash,
	}
}
