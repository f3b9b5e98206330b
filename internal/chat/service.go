package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/metrics"
)

type Service struct {
	store             Store
	ephemeral         *EphemeralStore
	titler            Titler
	titleQueue        TitleQueue
	log               *zap.Logger
	contextWindowSize int
	now               func() time.Time

	wg sync.WaitGroup
}

func NewService(store Store, ephemeral *EphemeralStore, contextWindowSize int, log *zap.Logger) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:             store,
		ephemeral:         ephemeral,
		log:               log.Named("chat"),
		contextWindowSize: contextWindowSize,
		now:               time.Now,
	}
}

// WithTitles wires title generation. Either argument may be nil.
func (s *Service) WithTitles(titler Titler, queue TitleQueue) *Service {
	s.titler = titler
	s.titleQueue = queue
	return s
}

// Wait blocks until in-process title jobs have finished.
func (s *Service) Wait() { s.wg.Wait() }

// HistoryEntry is one prior turn sent upstream as context.
type HistoryEntry struct {
	Role    string
	Content string
}

// Conversation is the context a chat turn runs in. Persist is decided once,
// when the session is first seen, and never flips back to durable.
type Conversation struct {
	SessionID string
	UserID    *string
	Category  string
	Private   bool
	Persist   bool
	Created   bool
	History   []HistoryEntry
}

// EnsureSession resolves sessionID into a Conversation, creating the session
// when needed. Durable rows are only created for authenticated, non-private
// callers while the store is reachable; everything else lives in the
// ephemeral store.
func (s *Service) EnsureSession(ctx context.Context, sessionID string, userID *string, private bool) (*Conversation, error) {
	if meta, ok := s.ephemeral.Get(sessionID); ok {
		if !ownedBy(meta.UserID, userID) {
			return nil, ErrForbidden
		}
		return s.ephemeralConversation(meta, false), nil
	}
	// evicted or expired, but once ephemeral always ephemeral
	if marked, ok := s.ephemeral.Marker(sessionID); ok {
		if !ownedBy(marked.UserID, userID) {
			return nil, ErrForbidden
		}
		meta, created := s.ephemeral.Open(marked)
		metrics.EphemeralFallbacks.WithLabelValues("reopened").Inc()
		return s.ephemeralConversation(meta, created), nil
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	switch {
	case err == nil:
		if !ownedBy(sess.UserID, userID) {
			return nil, ErrForbidden
		}
		if sess.Private {
			// private rows predating ephemeral handling still never persist turns
			meta, _ := s.ephemeral.Open(*sess)
			return s.ephemeralConversation(meta, false), nil
		}
		return s.durableConversation(ctx, sess, false), nil

	case errors.Is(err, ErrNotFound):
		// fall through to creation

	case IsUnavailable(err):
		s.log.Warn("session lookup failed, continuing ephemeral",
			zap.String("session_id", sessionID), zap.Error(err))
		metrics.EphemeralFallbacks.WithLabelValues("lookup_unavailable").Inc()
		return s.openEphemeral(sessionID, userID, private), nil

	default:
		return nil, err
	}

	if private || userID == nil {
		return s.openEphemeral(sessionID, userID, private), nil
	}

	sess = &Session{
		ID:       sessionID,
		UserID:   userID,
		Category: DefaultCategory,
	}
	err = s.store.CreateSession(ctx, sess)
	switch {
	case err == nil:
		return s.durableConversation(ctx, sess, true), nil
	case errors.Is(err, ErrUserNotFound):
		return nil, err
	case errors.Is(err, ErrDuplicate):
		// lost a creation race, or the id belongs to a deleted session
		existing, getErr := s.store.GetSession(ctx, sessionID)
		if getErr != nil {
			return nil, getErr
		}
		if !ownedBy(existing.UserID, userID) {
			return nil, ErrForbidden
		}
		return s.durableConversation(ctx, existing, false), nil
	case IsUnavailable(err):
		s.log.Warn("session create failed, continuing ephemeral",
			zap.String("session_id", sessionID), zap.Error(err))
		metrics.EphemeralFallbacks.WithLabelValues("create_unavailable").Inc()
		return s.openEphemeral(sessionID, userID, private), nil
	default:
		return nil, err
	}
}

// CreateSession is the explicit creation call. Private sessions are only
// registered in memory.
func (s *Service) CreateSession(ctx context.Context, userID string, category string, private bool) (*Session, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		category = DefaultCategory
	}
	id := newSessionID()

	if private {
		meta, _ := s.ephemeral.Open(Session{ID: id, UserID: &userID, Category: category, Private: true, CreatedAt: s.now()})
		return &meta, nil
	}

	sess := &Session{ID: id, UserID: &userID, Category: category}
	err := s.store.CreateSession(ctx, sess)
	if err == nil {
		return sess, nil
	}
	if IsUnavailable(err) {
		s.log.Warn("session create failed, registering ephemeral", zap.String("session_id", id), zap.Error(err))
		metrics.EphemeralFallbacks.WithLabelValues("create_unavailable").Inc()
		meta, _ := s.ephemeral.Open(Session{ID: id, UserID: &userID, Category: category, CreatedAt: s.now()})
		return &meta, nil
	}
	return nil, err
}

func (s *Service) ListSessions(ctx context.Context, userID string) ([]SessionSummary, error) {
	return s.store.ListSessions(ctx, userID, 50)
}

// SessionDetail returns the session and its full history after the owner
// check, looking at the ephemeral store first.
func (s *Service) SessionDetail(ctx context.Context, sessionID string, userID *string) (*Session, []Message, error) {
	if meta, ok := s.ephemeral.Get(sessionID); ok {
		if !ownedBy(meta.UserID, userID) {
			return nil, nil, ErrForbidden
		}
		return &meta, s.ephemeral.Messages(sessionID), nil
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if !ownedBy(sess.UserID, userID) {
		return nil, nil, ErrForbidden
	}
	msgs, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return sess, msgs, nil
}

func (s *Service) DeleteSession(ctx context.Context, sessionID, userID string) error {
	if meta, ok := s.ephemeral.Get(sessionID); ok {
		if !ownedBy(meta.UserID, &userID) {
			return ErrForbidden
		}
		s.ephemeral.Delete(sessionID)
		return nil
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ownedBy(sess.UserID, &userID) {
		return ErrForbidden
	}
	return s.store.SoftDeleteSession(ctx, sessionID, userID)
}

// MessageExists reports whether a message with this id was already stored.
// An unreachable store answers false so chat keeps working.
func (s *Service) MessageExists(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	if _, ok := s.ephemeral.FindMessage(id); ok {
		return true, nil
	}
	_, err := s.store.GetMessage(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound), IsUnavailable(err):
		return false, nil
	default:
		return false, err
	}
}

type NewMessage struct {
	// ID is the client supplied idempotency key; empty means generate one.
	ID           string
	Role         string
	Content      string
	RealityScore *float64
	Breakdown    json.RawMessage
}

// SaveMessage appends a turn to the conversation. A second call with the same
// id returns the first stored row and created=false. Non-durable
// conversations are written to the ephemeral store.
func (s *Service) SaveMessage(ctx context.Context, conv *Conversation, in NewMessage) (*Message, bool, error) {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		generated, err := common.NewULID()
		if err != nil {
			return nil, false, err
		}
		id = generated
	}

	m := Message{
		ID:           id,
		SessionID:    conv.SessionID,
		Role:         in.Role,
		Content:      in.Content,
		RealityScore: in.RealityScore,
		CreatedAt:    s.now(),
	}
	if len(in.Breakdown) > 0 {
		m.ScoreBreakdown = datatypes.JSON(in.Breakdown)
	}

	if !conv.Persist {
		saved, created := s.ephemeral.Append(conv.SessionID, m)
		return &saved, created, nil
	}

	saved, created, err := s.store.InsertMessageOrGetExisting(ctx, &m)
	if err != nil {
		return nil, false, err
	}
	if created && in.Role == RoleUser {
		if n, err := s.store.CountMessages(ctx, conv.SessionID, RoleUser); err == nil && n == 1 {
			s.scheduleTitle(ctx, conv.SessionID, in.Content)
		}
	}
	return saved, created, nil
}

type ShareCardInput struct {
	Summary string
	Score   float64
	Actions json.RawMessage
}

// SaveShareCard is insert-or-skip. Share cards are non-critical: an
// unreachable store yields (nil, nil).
func (s *Service) SaveShareCard(ctx context.Context, messageID string, in ShareCardInput) (*ShareCard, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	actions := in.Actions
	if len(actions) == 0 {
		actions = json.RawMessage("[]")
	}
	card, _, err := s.store.CreateShareCardIfAbsent(ctx, &ShareCard{
		ID:        id,
		MessageID: messageID,
		Summary:   in.Summary,
		Score:     in.Score,
		Actions:   datatypes.JSON(actions),
		CreatedAt: s.now(),
	})
	if err != nil {
		if IsUnavailable(err) {
			s.log.Warn("share card dropped, storage unavailable", zap.String("message_id", messageID), zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	return card, nil
}

// CreateShareCard is the owner-checked REST path for attaching a card.
func (s *Service) CreateShareCard(ctx context.Context, userID, messageID string, in ShareCardInput) (*ShareCard, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	sess, err := s.store.GetSession(ctx, msg.SessionID)
	if err != nil {
		return nil, err
	}
	if !ownedBy(sess.UserID, &userID) {
		return nil, ErrForbidden
	}
	if msg.Role != RoleAssistant {
		return nil, &StorageError{Op: "create share card", Kind: ErrConstraint, Err: errors.New("share cards attach to assistant messages")}
	}
	card, err := s.SaveShareCard(ctx, messageID, in)
	if err == nil && card == nil {
		return nil, ErrUnavailable
	}
	return card, err
}

func (s *Service) GetShareCard(ctx context.Context, messageID string) (*ShareCard, error) {
	return s.store.GetShareCardByMessageID(ctx, messageID)
}

// Turn is the accumulated result of one upstream response.
type Turn struct {
	Content      string
	RealityScore *float64
	Breakdown    json.RawMessage
	ShareCard    *ShareCardInput
	Crisis       bool
}

// FinalizeTurn persists the assistant side of a turn. Empty content stores
// nothing; crisis turns never get a share card.
func (s *Service) FinalizeTurn(ctx context.Context, conv *Conversation, turn Turn) (*Message, error) {
	if strings.TrimSpace(turn.Content) == "" {
		return nil, nil
	}
	msg, _, err := s.SaveMessage(ctx, conv, NewMessage{
		Role:         RoleAssistant,
		Content:      turn.Content,
		RealityScore: turn.RealityScore,
		Breakdown:    turn.Breakdown,
	})
	if err != nil {
		return nil, err
	}
	if turn.ShareCard != nil && !turn.Crisis && conv.Persist {
		if _, err := s.SaveShareCard(ctx, msg.ID, *turn.ShareCard); err != nil {
			s.log.Warn("share card not saved", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	return msg, nil
}

func (s *Service) durableConversation(ctx context.Context, sess *Session, created bool) *Conversation {
	conv := &Conversation{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Category:  sess.Category,
		Persist:   true,
		Created:   created,
	}
	if created {
		return conv
	}
	recent, err := s.store.ListRecentMessages(ctx, sess.ID, s.contextWindowSize)
	if err != nil {
		s.log.Warn("history unavailable, sending turn without context",
			zap.String("session_id", sess.ID), zap.Error(err))
		return conv
	}
	conv.History = toHistory(recent)
	return conv
}

func (s *Service) openEphemeral(sessionID string, userID *string, private bool) *Conversation {
	meta, created := s.ephemeral.Open(Session{
		ID:        sessionID,
		UserID:    userID,
		Category:  DefaultCategory,
		Private:   private,
		CreatedAt: s.now(),
	})
	return s.ephemeralConversation(meta, created)
}

func (s *Service) ephemeralConversation(meta Session, created bool) *Conversation {
	return &Conversation{
		SessionID: meta.ID,
		UserID:    meta.UserID,
		Category:  meta.Category,
		Private:   meta.Private,
		Persist:   false,
		Created:   created,
		History:   toHistory(s.ephemeral.Recent(meta.ID, s.contextWindowSize)),
	}
}

func newSessionID() string { return uuid.NewString() }

func toHistory(msgs []Message) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, HistoryEntry{Role: m.Role, Content: m.Content})
	}
	return out
}

// ownedBy: guest sessions (no owner) are reachable by id alone; owned
// sessions only by their owner.
func ownedBy(owner *string, userID *string) bool {
	if owner == nil {
		return true
	}
	return userID != nil && *owner == *userID
}
