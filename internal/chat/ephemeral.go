package chat

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// EphemeralStore holds sessions that must never reach durable storage:
// private sessions, guest sessions and sessions opened while the database
// was unreachable. Each session keeps at most maxMessages (oldest evicted);
// sessions expire after ttl of inactivity and the oldest session is evicted
// once maxSessions is reached.
//
// Every id ever opened is also recorded in a marker cache that outlives the
// session itself, so an evicted or expired session is still known to be
// ephemeral when its id comes back.
type EphemeralStore struct {
	sessions    *cache.Cache
	messages    *cache.Cache // message id -> Message, for replay detection
	markers     *cache.Cache // session id -> ephemeralMarker
	maxMessages int
	maxSessions int

	mu sync.Mutex // serializes session creation, eviction and appends
}

// ephemeralMarker is what survives eviction: enough to reopen the session
// under the same owner and privacy.
type ephemeralMarker struct {
	UserID   *string
	Category string
	Private  bool
}

// markerTTL bounds how long an evicted ephemeral id stays barred from
// durable storage.
const markerTTL = 30 * 24 * time.Hour

type ephemeralSession struct {
	mu       sync.Mutex
	meta     Session
	messages []Message
}

func NewEphemeralStore(maxMessages, maxSessions int, ttl time.Duration) *EphemeralStore {
	if maxMessages <= 0 {
		maxMessages = 50
	}
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &EphemeralStore{
		sessions:    cache.New(ttl, 10*time.Minute),
		messages:    cache.New(ttl, 10*time.Minute),
		markers:     cache.New(markerTTL, time.Hour),
		maxMessages: maxMessages,
		maxSessions: maxSessions,
	}
}

// Open returns the session registered under meta.ID, creating it from meta
// when absent. The returned bool reports creation.
func (e *EphemeralStore) Open(meta Session) (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openLocked(meta)
}

func (e *EphemeralStore) openLocked(meta Session) (Session, bool) {
	if es, ok := e.lookup(meta.ID); ok {
		e.touch(meta.ID, es)
		return es.snapshot(), false
	}

	if e.maxSessions > 0 && e.sessions.ItemCount() >= e.maxSessions {
		e.evictOldest()
	}

	meta.Ephemeral = true
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}
	meta.UpdatedAt = meta.CreatedAt
	es := &ephemeralSession{meta: meta}
	e.sessions.Set(meta.ID, es, cache.DefaultExpiration)
	e.markers.Set(meta.ID, ephemeralMarker{UserID: meta.UserID, Category: meta.Category, Private: meta.Private}, cache.DefaultExpiration)
	return es.snapshot(), true
}

// Marker reports whether sessionID was ever opened here, even if the
// session itself has since been evicted or has expired. The returned
// Session carries the recorded owner, category and privacy only.
func (e *EphemeralStore) Marker(sessionID string) (Session, bool) {
	v, ok := e.markers.Get(sessionID)
	if !ok {
		return Session{}, false
	}
	m := v.(ephemeralMarker)
	return Session{ID: sessionID, UserID: m.UserID, Category: m.Category, Private: m.Private}, true
}

func (e *EphemeralStore) Get(sessionID string) (Session, bool) {
	es, ok := e.lookup(sessionID)
	if !ok {
		return Session{}, false
	}
	return es.snapshot(), true
}

// Append stores m unless a message with the same id was already appended to
// any ephemeral session; in that case the first copy is returned.
func (e *EphemeralStore) Append(sessionID string, m Message) (Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prior, ok := e.FindMessage(m.ID); ok {
		return prior, false
	}
	es, ok := e.lookup(sessionID)
	if !ok {
		meta := Session{ID: sessionID, Category: DefaultCategory}
		if marked, found := e.Marker(sessionID); found {
			meta = marked
		}
		_, _ = e.openLocked(meta)
		es, _ = e.lookup(sessionID)
	}

	es.mu.Lock()
	m.SessionID = sessionID
	es.messages = append(es.messages, m)
	if over := len(es.messages) - e.maxMessages; over > 0 {
		es.messages = append([]Message(nil), es.messages[over:]...)
	}
	es.meta.UpdatedAt = m.CreatedAt
	es.mu.Unlock()

	e.messages.Set(m.ID, m, cache.DefaultExpiration)
	e.touch(sessionID, es)
	return m, true
}

// Recent returns up to limit of the newest messages, oldest first.
func (e *EphemeralStore) Recent(sessionID string, limit int) []Message {
	es, ok := e.lookup(sessionID)
	if !ok {
		return nil
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	start := 0
	if limit > 0 && len(es.messages) > limit {
		start = len(es.messages) - limit
	}
	return append([]Message(nil), es.messages[start:]...)
}

func (e *EphemeralStore) Messages(sessionID string) []Message {
	return e.Recent(sessionID, 0)
}

func (e *EphemeralStore) FindMessage(id string) (Message, bool) {
	if v, ok := e.messages.Get(id); ok {
		return v.(Message), true
	}
	return Message{}, false
}

func (e *EphemeralStore) SetTitle(sessionID, title string) {
	if es, ok := e.lookup(sessionID); ok {
		es.mu.Lock()
		es.meta.Title = title
		es.mu.Unlock()
	}
}

func (e *EphemeralStore) Delete(sessionID string) {
	e.sessions.Delete(sessionID)
}

func (e *EphemeralStore) lookup(sessionID string) (*ephemeralSession, bool) {
	v, ok := e.sessions.Get(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*ephemeralSession), true
}

// touch slides the expiry window forward.
func (e *EphemeralStore) touch(sessionID string, es *ephemeralSession) {
	e.sessions.Set(sessionID, es, cache.DefaultExpiration)
}

func (e *EphemeralStore) evictOldest() {
	var (
		oldestID string
		oldestAt time.Time
	)
	for id, item := range e.sessions.Items() {
		es := item.Object.(*ephemeralSession)
		es.mu.Lock()
		at := es.meta.UpdatedAt
		es.mu.Unlock()
		if oldestID == "" || at.Before(oldestAt) {
			oldestID, oldestAt = id, at
		}
	}
	if oldestID != "" {
		e.sessions.Delete(oldestID)
	}
}

func (es *ephemeralSession) snapshot() Session {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.meta
}
