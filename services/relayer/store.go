package relayer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SettlementStatus tracks a settlement through the fiat rail.
type SettlementStatus string

const (
	StatusPending SettlementStatus = "pending"
	StatusSettled SettlementStatus = "settled"
	StatusFailed  SettlementStatus = "failed"
)

// Settlement is one fiat payout for one tanda round. (TandaID, Round) is
// unique: a round is settled at most once.
type Settlement struct {
	ID            uuid.UUID        `gorm:"type:uuid;primaryKey"`
	TandaID       string           `gorm:"size:64;uniqueIndex:idx_settlement_round"`
	Round         uint64           `gorm:"uniqueIndex:idx_settlement_round"`
	Participant   string           `gorm:"size:64;index"`
	Vault         string           `gorm:"size:64;index"`
	Amount        string           `gorm:"size:80"`
	Reference     string           `gorm:"size:64;uniqueIndex"`
	Operator      string           `gorm:"size:64"`
	Status        SettlementStatus `gorm:"size:16;index"`
	RailReference string           `gorm:"size:128"`
	FailureReason string           `gorm:"size:512"`
	Attempts      int
	RequestedAt   time.Time
	SettledAt     *time.Time `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store persists settlements.
type Store struct {
	db *gorm.DB
}

// OpenStore connects to the configured database and migrates the schema.
func OpenStore(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("relayer: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("relayer: open %s: %w", driver, err)
	}
	return NewStore(db)
}

// NewStore wraps an existing connection and migrates the schema.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("relayer: db is required")
	}
	if err := db.AutoMigrate(&Settlement{}); err != nil {
		return nil, fmt.Errorf("relayer: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Claim records intent to settle s. It reports true when the caller should
// go ahead and pay: either the round is new, or an earlier attempt failed.
// A round that is pending or settled is returned with false.
func (s *Store) Claim(ctx context.Context, candidate *Settlement) (*Settlement, bool, error) {
	var out Settlement
	claimed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("tanda_id = ? AND round = ?", candidate.TandaID, candidate.Round).First(&out).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			out = *candidate
			if out.ID == uuid.Nil {
				out.ID = uuid.New()
			}
			out.Status = StatusPending
			out.Attempts = 1
			claimed = true
			return tx.Create(&out).Error
		case err != nil:
			return err
		}
		if out.Status != StatusFailed {
			return nil
		}
		out.Status = StatusPending
		out.Attempts++
		out.FailureReason = ""
		claimed = true
		return tx.Model(&out).Updates(map[string]interface{}{
			"status":         out.Status,
			"attempts":       out.Attempts,
			"failure_reason": "",
		}).Error
	})
	if err != nil {
		return nil, false, fmt.Errorf("relayer: claim settlement: %w", err)
	}
	return &out, claimed, nil
}

// MarkSettled completes a pending settlement.
func (s *Store) MarkSettled(ctx context.Context, id uuid.UUID, railRef string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&Settlement{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"status":         StatusSettled,
			"rail_reference": railRef,
			"settled_at":     at.UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("relayer: mark settled: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("relayer: settlement %s not pending", id)
	}
	return nil
}

// MarkFailed releases a pending settlement so a later notification can retry it.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	if len(reason) > 512 {
		reason = reason[:512]
	}
	err := s.db.WithContext(ctx).Model(&Settlement{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{"status": StatusFailed, "failure_reason": reason}).Error
	if err != nil {
		return fmt.Errorf("relayer: mark failed: %w", err)
	}
	return nil
}

// RequeueInterrupted marks settlements left pending by a previous process as
// failed. The rail deduplicates on Reference, so retrying them is safe.
func (s *Store) RequeueInterrupted(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&Settlement{}).
		Where("status = ?", StatusPending).
		Updates(map[string]interface{}{"status": StatusFailed, "failure_reason": "interrupted"})
	if res.Error != nil {
		return 0, fmt.Errorf("relayer: requeue: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Get looks up the settlement for one round.
func (s *Store) Get(ctx context.Context, tandaID string, round uint64) (*Settlement, error) {
	var out Settlement
	err := s.db.WithContext(ctx).Where("tanda_id = ? AND round = ?", tandaID, round).First(&out).Error
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Failed lists settlements awaiting a retry, oldest first.
func (s *Store) Failed(ctx context.Context) ([]Settlement, error) {
	var out []Settlement
	err := s.db.WithContext(ctx).Where("status = ?", StatusFailed).Order("requested_at asc").Find(&out).Error
	return out, err
}

// SettledBetween lists settlements completed in [start, end).
func (s *Store) SettledBetween(ctx context.Context, start, end time.Time) ([]Settlement, error) {
	var out []Settlement
	err := s.db.WithContext(ctx).
		Where("status = ? AND settled_at >= ? AND settled_at < ?", StatusSettled, start.UTC(), end.UTC()).
		Order("settled_at asc").
		Find(&out).Error
	return out, err
}

// Counts returns the number of settlements per status.
func (s *Store) Counts(ctx context.Context) (map[SettlementStatus]int64, error) {
	type row struct {
		Status SettlementStatus
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&Settlement{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[SettlementStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
