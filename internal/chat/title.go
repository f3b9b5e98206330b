package chat

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

const titleMaxRunes = 15

// Titler produces a short session title from the first user message.
type Titler interface {
	Title(ctx context.Context, message string) (string, error)
}

// TitleQueue hands title jobs to an out of process worker.
type TitleQueue interface {
	PublishTitleJob(ctx context.Context, sessionID, message string) error
}

// scheduleTitle enqueues title generation, falling back to an in-process
// goroutine when no queue is configured or publishing fails.
func (s *Service) scheduleTitle(ctx context.Context, sessionID, message string) {
	if s.titleQueue != nil {
		err := s.titleQueue.PublishTitleJob(ctx, sessionID, message)
		if err == nil {
			return
		}
		s.log.Warn("title job publish failed, generating in process",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(bg, 30*time.Second)
		defer cancel()
		if err := s.GenerateTitle(ctx, sessionID, message); err != nil {
			s.log.Warn("session title not stored", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()
}

// GenerateTitle never fails on the AI side: a failed call falls back to a
// truncated message. Only a failed title write is returned.
func (s *Service) GenerateTitle(ctx context.Context, sessionID, message string) error {
	title := ""
	if s.titler != nil {
		t, err := s.titler.Title(ctx, message)
		if err != nil {
			s.log.Info("title generation failed, using fallback",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		title = strings.TrimSpace(t)
	}
	if title == "" {
		title = FallbackTitle(message)
	}
	title = truncateRunes(title, 64)

	if _, ok := s.ephemeral.Get(sessionID); ok {
		s.ephemeral.SetTitle(sessionID, title)
		return nil
	}
	return s.store.UpdateSessionTitle(ctx, sessionID, title)
}

// FallbackTitle is the first 15 runes of the message, with an ellipsis when cut.
func FallbackTitle(message string) string {
	message = strings.Join(strings.Fields(message), " ")
	cut := truncateRunes(message, titleMaxRunes)
	if cut != message {
		return cut + "..."
	}
	return cut
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
