package models

import "time"

// Session record statuses.
const (
	SessionStatusActive = "active"
	SessionStatusClosed = "closed"
)

// SessionRecord is the audit row for one session: who opened it, with which
// persona, in which channel, and how it ended. Conversation text is never
// stored.
type SessionRecord struct {
	ID          string     `gorm:"primaryKey;size:36"` // session UUID
	UserID      string     `gorm:"size:32;not null;index"`
	UserName    string     `gorm:"size:100"`
	PersonaID   string     `gorm:"size:64;not null;index"`
	GuildID     string     `gorm:"size:32"`
	ChannelID   string     `gorm:"size:32;index"`
	Status      string     `gorm:"size:16;default:active;index"` // active, closed
	CloseReason string     `gorm:"size:16"`                      // command, idle, shutdown, restart
	Turns       int        `gorm:"default:0"`
	OpenedAt    time.Time  `gorm:"not null;index"`
	ClosedAt    *time.Time
}
