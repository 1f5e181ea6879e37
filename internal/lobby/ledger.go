package lobby

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/parlor/internal/gateway"
	"github.com/zulandar/parlor/internal/models"
	"github.com/zulandar/parlor/internal/session"
	"gorm.io/gorm"
)

// Ledger records session opens and closes for auditing. It never sees
// conversation text.
type Ledger interface {
	Opened(ctx context.Context, sess session.Session, msg gateway.Message) error
	Closed(ctx context.Context, sess session.Session, reason CloseReason) error
}

// NopLedger discards everything.
type NopLedger struct{}

func (NopLedger) Opened(context.Context, session.Session, gateway.Message) error { return nil }
func (NopLedger) Closed(context.Context, session.Session, CloseReason) error     { return nil }

// GormLedger stores session records in the database.
type GormLedger struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormLedger creates a GormLedger. The session_records table must exist.
func NewGormLedger(db *gorm.DB) (*GormLedger, error) {
	if db == nil {
		return nil, fmt.Errorf("lobby: db is required")
	}
	return &GormLedger{db: db, now: time.Now}, nil
}

// Opened inserts an active record for a new session.
func (l *GormLedger) Opened(ctx context.Context, sess session.Session, msg gateway.Message) error {
	rec := models.SessionRecord{
		ID:        sess.ID,
		UserID:    sess.UserID,
		UserName:  msg.AuthorName,
		PersonaID: sess.PersonaID,
		GuildID:   msg.GuildID,
		ChannelID: sess.ChannelID,
		Status:    models.SessionStatusActive,
		OpenedAt:  sess.OpenedAt,
	}
	if err := l.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("lobby: ledger open %s: %w", sess.ID, err)
	}
	return nil
}

// Closed marks the session's record closed with its reason and turn count.
func (l *GormLedger) Closed(ctx context.Context, sess session.Session, reason CloseReason) error {
	result := l.db.WithContext(ctx).Model(&models.SessionRecord{}).
		Where("id = ? AND status = ?", sess.ID, models.SessionStatusActive).
		Updates(map[string]interface{}{
			"status":       models.SessionStatusClosed,
			"close_reason": string(reason),
			"turns":        sess.Turns(),
			"closed_at":    l.now(),
		})
	if result.Error != nil {
		return fmt.Errorf("lobby: ledger close %s: %w", sess.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("lobby: ledger close: session %s not found or not active", sess.ID)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (l *GormLedger) Recent(ctx context.Context, limit int) ([]models.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []models.SessionRecord
	if err := l.db.WithContext(ctx).Order("opened_at DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("lobby: ledger recent: %w", err)
	}
	return recs, nil
}
