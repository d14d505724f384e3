// Package gormstore persists the conversation log in a SQL database through
// GORM. SQLite serves local deployments and tests; MySQL serves shared ones.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"goa.design/analyst/runtime/analyst/conversation"
)

type (
	// Turn is the row model of a conversation entry.
	Turn struct {
		ID        uint      `gorm:"primaryKey;autoIncrement"`
		ThreadID  string    `gorm:"size:64;not null;index:idx_turn_thread"`
		Role      string    `gorm:"size:16;not null"`
		Content   string    `gorm:"type:text"`
		Status    string    `gorm:"size:32"`
		CreatedAt time.Time `gorm:"index"`
	}

	// Store is a GORM-backed conversation.Store.
	Store struct {
		db *gorm.DB
	}
)

const (
	// DriverSQLite selects the SQLite driver; the DSN is a file path or
	// ":memory:".
	DriverSQLite = "sqlite"
	// DriverMySQL selects the MySQL driver; the DSN is a go-sql-driver DSN.
	DriverMySQL = "mysql"
)

// TableName implements gorm's tabler interface.
func (Turn) TableName() string { return "conversation_turns" }

// Open connects to the database selected by driver and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		if dsn == "" {
			dsn = ":memory:"
		}
		dialector = sqlite.Open(dsn)
	case DriverMySQL:
		if dsn == "" {
			return nil, errors.New("conversation: mysql dsn is required")
		}
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("conversation: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: connect %s: %w", driver, err)
	}
	if dsn == ":memory:" {
		// Every connection to :memory: opens a separate database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("conversation: connect %s: %w", driver, err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps db and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("conversation: db is required")
	}
	if err := db.AutoMigrate(&Turn{}); err != nil {
		return nil, fmt.Errorf("conversation: auto-migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Append implements conversation.Store.
func (s *Store) Append(ctx context.Context, e conversation.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	t := Turn{
		ThreadID:  e.ThreadID,
		Role:      e.Role,
		Content:   e.Content,
		Status:    string(e.Status),
		CreatedAt: e.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&t).Error; err != nil {
		return fmt.Errorf("conversation: append: %w", err)
	}
	return nil
}

// Recent implements conversation.Store.
func (s *Store) Recent(ctx context.Context, threadID string, limit int) ([]conversation.Entry, error) {
	q := s.db.WithContext(ctx).Where("thread_id = ?", threadID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var turns []Turn
	if err := q.Find(&turns).Error; err != nil {
		return nil, fmt.Errorf("conversation: recent: %w", err)
	}
	slices.Reverse(turns)
	out := make([]conversation.Entry, len(turns))
	for i, t := range turns {
		out[i] = conversation.Entry{
			ThreadID:  t.ThreadID,
			Role:      t.Role,
			Content:   t.Content,
			Status:    conversation.Status(t.Status),
			CreatedAt: t.CreatedAt,
		}
	}
	return out, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "conversation-sql" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
