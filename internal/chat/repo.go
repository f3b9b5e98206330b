package chat

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the durable side of the Session Store and Message Persistence.
// Every error it returns is classified (see errors.go).
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]SessionSummary, error)
	SoftDeleteSession(ctx context.Context, sessionID, userID string) error
	UpdateSessionTitle(ctx context.Context, sessionID, title string) error

	GetMessage(ctx context.Context, id string) (*Message, error)
	InsertMessageOrGetExisting(ctx context.Context, m *Message) (*Message, bool, error)
	ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	CountMessages(ctx context.Context, sessionID, role string) (int64, error)

	CreateShareCardIfAbsent(ctx context.Context, card *ShareCard) (*ShareCard, bool, error)
	GetShareCardByMessageID(ctx context.Context, messageID string) (*ShareCard, error)
}

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

var _ Store = (*Repo)(nil)

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	err := r.db.WithContext(ctx).Omit(clause.Associations).Create(s).Error
	if err == nil {
		return nil
	}
	err = classify("create session", err)
	if errors.Is(err, ErrForeignKey) {
		return &StorageError{Op: "create session", Kind: ErrUserNotFound, Err: err}
	}
	return err
}

func (r *Repo) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("id = ?", sessionID).
		First(&s).Error; err != nil {
		return nil, classify("get session", err)
	}
	return &s, nil
}

// ListSessions returns the owner's visible sessions, newest first, each with
// its latest message.
func (r *Repo) ListSessions(ctx context.Context, userID string, limit int) ([]SessionSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var sessions []Session
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND private = ?", userID, false).
		Order("created_at DESC").
		Limit(limit).
		Find(&sessions).Error; err != nil {
		return nil, classify("list sessions", err)
	}

	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summary := SessionSummary{Session: s}
		var last Message
		err := r.db.WithContext(ctx).
			Where("session_id = ?", s.ID).
			Order("created_at DESC").
			Limit(1).
			Take(&last).Error
		switch {
		case err == nil:
			summary.LastMessage = &last
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return nil, classify("list sessions: last message", err)
		}
		out = append(out, summary)
	}
	return out, nil
}

func (r *Repo) SoftDeleteSession(ctx context.Context, sessionID, userID string) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", sessionID, userID).
		Delete(&Session{})
	if res.Error != nil {
		return classify("delete session", res.Error)
	}
	if res.RowsAffected == 0 {
		return &StorageError{Op: "delete session", Kind: ErrNotFound, Err: gorm.ErrRecordNotFound}
	}
	return nil
}

func (r *Repo) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	return classify("update session title", r.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ?", sessionID).
		Update("title", title).Error)
}

func (r *Repo) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, classify("get message", err)
	}
	return &m, nil
}

// InsertMessageOrGetExisting inserts m unless a row with the same id exists,
// in which case the stored row is returned untouched and created is false.
// The primary key is the backstop for concurrent duplicates.
func (r *Repo) InsertMessageOrGetExisting(ctx context.Context, m *Message) (*Message, bool, error) {
	existing, err := r.GetMessage(ctx, m.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	createErr := classify("insert message", r.db.WithContext(ctx).Omit(clause.Associations).Create(m).Error)
	if createErr == nil {
		return m, true, nil
	}
	if !errors.Is(createErr, ErrDuplicate) {
		return nil, false, createErr
	}

	existing, err = r.GetMessage(ctx, m.ID)
	if err != nil {
		return nil, false, createErr
	}
	return existing, false, nil
}

// ListRecentMessages returns the newest `limit` messages in ASC order.
func (r *Repo) ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var desc []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&desc).Error; err != nil {
		return nil, classify("list recent messages", err)
	}
	// reverse to ASC (oldest -> newest)
	for i, j := 0, len(desc)-1; i < j; i, j = i+1, j-1 {
		desc[i], desc[j] = desc[j], desc[i]
	}
	return desc, nil
}

func (r *Repo) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Preload("ShareCard").
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&msgs).Error; err != nil {
		return nil, classify("list messages", err)
	}
	return msgs, nil
}

func (r *Repo) CountMessages(ctx context.Context, sessionID, role string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&Message{}).
		Where("session_id = ? AND role = ?", sessionID, role).
		Count(&n).Error
	return n, classify("count messages", err)
}

// CreateShareCardIfAbsent is insert-or-skip on the unique message id.
func (r *Repo) CreateShareCardIfAbsent(ctx context.Context, card *ShareCard) (*ShareCard, bool, error) {
	existing, err := r.GetShareCardByMessageID(ctx, card.MessageID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	createErr := classify("create share card", r.db.WithContext(ctx).Create(card).Error)
	if createErr == nil {
		return card, true, nil
	}
	if errors.Is(createErr, ErrDuplicate) {
		if existing, err := r.GetShareCardByMessageID(ctx, card.MessageID); err == nil {
			return existing, false, nil
		}
	}
	return nil, false, createErr
}

func (r *Repo) GetShareCardByMessageID(ctx context.Context, messageID string) (*ShareCard, error) {
	var card ShareCard
	if err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		First(&card).Error; err != nil {
		return nil, classify("get share card", err)
	}
	return &card, nil
}
