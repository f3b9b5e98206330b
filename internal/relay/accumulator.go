package relay

import "strings"

// Outcome is what the relay hands to persistence once the turn is over.
type Outcome struct {
	Content   string
	Score     *Score
	ShareCard *ShareCard
	Crisis    *Crisis
	Failure   *UpstreamFailure

	// UpstreamDone is set when the upstream signalled completion itself,
	// either with a done event or the [DONE] sentinel.
	UpstreamDone bool
	// StreamErr is a transport failure while reading the upstream body.
	StreamErr error
}

// Accumulator collects the persistable state of one turn. Scores and share
// cards are last-write-wins; a crisis replaces whatever text was streamed.
// Nothing is accumulated after a terminal event.
type Accumulator struct {
	content   strings.Builder
	score     *Score
	shareCard *ShareCard
	crisis    *Crisis
	failure   *UpstreamFailure

	upstreamDone bool
	terminated   bool
	finalized    bool
}

// Apply folds ev into the accumulator and reports whether it ended the turn.
func (a *Accumulator) Apply(ev Event) bool {
	if ev.Kind == KindDone {
		a.upstreamDone = true
	}
	if a.terminated {
		return false
	}

	if ev.Token != "" {
		a.content.WriteString(ev.Token)
	}
	if ev.Score != nil {
		a.score = ev.Score
	}
	if ev.ShareCard != nil {
		a.shareCard = ev.ShareCard
	}
	if ev.Crisis != nil {
		a.crisis = ev.Crisis
	}
	if ev.Failure != nil {
		a.failure = ev.Failure
	}

	if ev.Kind.Terminal() {
		a.terminated = true
		return true
	}
	return false
}

// MarkFinalized returns true exactly once.
func (a *Accumulator) MarkFinalized() bool {
	if a.finalized {
		return false
	}
	a.finalized = true
	return true
}

func (a *Accumulator) Outcome() Outcome {
	out := Outcome{
		Content:      a.content.String(),
		Score:        a.score,
		ShareCard:    a.shareCard,
		Crisis:       a.crisis,
		Failure:      a.failure,
		UpstreamDone: a.upstreamDone,
	}
	if a.crisis != nil {
		if msg := strings.TrimSpace(a.crisis.Message); msg != "" {
			out.Content = a.crisis.Message
		}
		out.ShareCard = nil
	}
	return out
}
