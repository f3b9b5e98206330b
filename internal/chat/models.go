package chat

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/suPer8Hu/chat-relay/internal/models"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	DefaultCategory = "etc"
)

type Session struct {
	ID        string         `gorm:"type:varchar(64);primaryKey" json:"session_id"`
	UserID    *string        `gorm:"type:varchar(36);index" json:"-"`
	User      *models.User   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Category  string         `gorm:"type:varchar(32);not null" json:"category"`
	Title     string         `gorm:"type:varchar(64)" json:"title"`
	Private   bool           `gorm:"not null;default:false;index" json:"private"`
	Messages  []Message      `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// Ephemeral marks sessions that live only in process memory.
	Ephemeral bool `gorm:"-" json:"ephemeral"`
}

func (Session) TableName() string { return "chat_sessions" }

type Message struct {
	// ID doubles as the idempotency key when supplied by the client.
	ID             string         `gorm:"type:varchar(128);primaryKey" json:"id"`
	SessionID      string         `gorm:"type:varchar(64);not null;index:idx_chat_msg_session_created,priority:1" json:"session_id"`
	Role           string         `gorm:"type:varchar(16);not null" json:"role"`
	Content        string         `gorm:"type:text;not null" json:"content"`
	RealityScore   *float64       `json:"reality_score,omitempty"`
	ScoreBreakdown datatypes.JSON `json:"score_breakdown,omitempty"`
	ShareCard      *ShareCard     `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE" json:"share_card,omitempty"`
	CreatedAt      time.Time      `gorm:"index:idx_chat_msg_session_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

type ShareCard struct {
	ID        string         `gorm:"type:varchar(26);primaryKey" json:"id"`
	MessageID string         `gorm:"type:varchar(128);uniqueIndex;not null" json:"message_id"`
	Summary   string         `gorm:"type:text;not null" json:"summary"`
	Score     float64        `json:"score"`
	Actions   datatypes.JSON `json:"actions"`
	CreatedAt time.Time      `json:"created_at"`
}

func (ShareCard) TableName() string { return "share_cards" }

// SessionSummary is a list row: the session plus its latest message.
type SessionSummary struct {
	Session
	LastMessage *Message `json:"last_message,omitempty"`
}
