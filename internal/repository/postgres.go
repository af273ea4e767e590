package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgtype"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"welfare-agent/internal/domain"
)

type threadRow struct {
	ID        string    `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

func (threadRow) TableName() string { return "chat_threads" }

// turnRow.Seq breaks CreatedAt ties in insertion order.
type turnRow struct {
	Seq       int64     `gorm:"primaryKey;autoIncrement"`
	ID        string    `gorm:"type:uuid;not null;uniqueIndex"`
	ThreadID  string    `gorm:"type:uuid;not null;index:idx_chat_turns_thread_created,priority:1"`
	Role      string    `gorm:"type:varchar(16);not null"`
	Content   string    `gorm:"type:text;not null"`
	UserID    string    `gorm:"type:varchar(100)"`
	Language  string    `gorm:"type:varchar(8)"`
	CreatedAt time.Time `gorm:"not null;index:idx_chat_turns_thread_created,priority:2;index"`
}

func (turnRow) TableName() string { return "chat_turns" }

type userContextRow struct {
	ThreadID  string       `gorm:"type:uuid;primaryKey"`
	UserID    string       `gorm:"type:varchar(100);primaryKey"`
	Data      pgtype.JSONB `gorm:"type:jsonb;not null"`
	FetchedAt time.Time    `gorm:"not null;index"`
}

func (userContextRow) TableName() string { return "user_contexts" }

// PostgresStore persists to PostgreSQL through gorm.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore connects to dsn and migrates the schema.
func NewPostgresStore(dsn string, debug bool) (*PostgresStore, error) {
	level := logger.Warn
	if debug {
		level = logger.Info
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: open postgres: %w", err)
	}
	if err := db.AutoMigrate(&threadRow{}, &turnRow{}, &userContextRow{}); err != nil {
		return nil, fmt.Errorf("repository: migrate: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateThread(ctx context.Context, t domain.Thread) error {
	res := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&threadRow{ID: t.ID, CreatedAt: t.CreatedAt.UTC()})
	if res.Error != nil {
		return fmt.Errorf("repository: CreateThread: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrThreadExists
	}
	return nil
}

func (p *PostgresStore) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	var n int64
	if err := p.db.WithContext(ctx).Model(&threadRow{}).Where("id = ?", threadID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("repository: ThreadExists: %w", err)
	}
	return n > 0, nil
}

func (p *PostgresStore) RecentTurns(ctx context.Context, threadID string, limit int) ([]domain.Turn, error) {
	var rows []turnRow
	q := p.db.WithContext(ctx).Where("thread_id = ?", threadID).Order("created_at DESC, seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("repository: RecentTurns: %w", err)
	}
	turns := make([]domain.Turn, len(rows))
	for i, r := range rows {
		turns[len(rows)-1-i] = r.toDomain()
	}
	return turns, nil
}

func (p *PostgresStore) AppendTurns(ctx context.Context, turns ...domain.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	if err := validTurns(turns); err != nil {
		return err
	}
	rows := make([]turnRow, len(turns))
	for i, t := range turns {
		rows[i] = newTurnRow(t)
	}
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("repository: AppendTurns: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListTurns(ctx context.Context, threadID string, limit, offset int) ([]domain.Turn, int, error) {
	var total int64
	db := p.db.WithContext(ctx)
	if err := db.Model(&turnRow{}).Where("thread_id = ?", threadID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("repository: ListTurns count: %w", err)
	}
	var rows []turnRow
	err := db.Where("thread_id = ?", threadID).
		Order("created_at ASC, seq ASC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("repository: ListTurns: %w", err)
	}
	turns := make([]domain.Turn, len(rows))
	for i, r := range rows {
		turns[i] = r.toDomain()
	}
	return turns, int(total), nil
}

func (p *PostgresStore) GetUserContext(ctx context.Context, threadID, userID string) (*domain.UserContext, error) {
	var row userContextRow
	err := p.db.WithContext(ctx).First(&row, "thread_id = ? AND user_id = ?", threadID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: GetUserContext: %w", err)
	}
	return row.toDomain()
}

func (p *PostgresStore) UpsertUserContext(ctx context.Context, uc domain.UserContext) error {
	row, err := newUserContextRow(uc)
	if err != nil {
		return err
	}
	err = p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "thread_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "fetched_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("repository: UpsertUserContext: %w", err)
	}
	return nil
}

func (p *PostgresStore) Sweep(ctx context.Context, turnsBefore, contextsBefore time.Time) (SweepResult, error) {
	var res SweepResult
	db := p.db.WithContext(ctx)
	if !turnsBefore.IsZero() {
		r := db.Where("created_at < ?", turnsBefore.UTC()).Delete(&turnRow{})
		if r.Error != nil {
			return res, fmt.Errorf("repository: sweep turns: %w", r.Error)
		}
		res.Turns = int(r.RowsAffected)
	}
	if !contextsBefore.IsZero() {
		r := db.Where("fetched_at < ?", contextsBefore.UTC()).Delete(&userContextRow{})
		if r.Error != nil {
			return res, fmt.Errorf("repository: sweep user contexts: %w", r.Error)
		}
		res.Contexts = int(r.RowsAffected)
	}
	return res, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return fmt.Errorf("repository: postgres handle: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("repository: postgres ping: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func newTurnRow(t domain.Turn) turnRow {
	return turnRow{
		ID:        t.ID,
		ThreadID:  t.ThreadID,
		Role:      t.Role,
		Content:   t.Content,
		UserID:    t.UserID,
		Language:  t.Language,
		CreatedAt: t.CreatedAt.UTC(),
	}
}

func (r turnRow) toDomain() domain.Turn {
	return domain.Turn{
		ID:        r.ID,
		ThreadID:  r.ThreadID,
		Role:      r.Role,
		Content:   r.Content,
		UserID:    r.UserID,
		Language:  r.Language,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func newUserContextRow(uc domain.UserContext) (userContextRow, error) {
	raw, err := json.Marshal(uc)
	if err != nil {
		return userContextRow{}, fmt.Errorf("repository: encode user context: %w", err)
	}
	row := userContextRow{ThreadID: uc.ThreadID, UserID: uc.UserID, FetchedAt: uc.FetchedAt.UTC()}
	if err := row.Data.Set(raw); err != nil {
		return userContextRow{}, fmt.Errorf("repository: set user context jsonb: %w", err)
	}
	return row, nil
}

func (r userContextRow) toDomain() (*domain.UserContext, error) {
	var uc domain.UserContext
	if err := json.Unmarshal(r.Data.Bytes, &uc); err != nil {
		return nil, fmt.Errorf("repository: decode user context: %w", err)
	}
	return &uc, nil
}

var _ Store = (*PostgresStore)(nil)
