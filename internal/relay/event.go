package relay

import (
	"bytes"
	"encoding/json"
	"strings"
)

type Kind string

const (
	KindToken     Kind = "token"
	KindScore     Kind = "score"
	KindShareCard Kind = "share_card"
	KindCrisis    Kind = "crisis"
	KindError     Kind = "error"
	KindDone      Kind = "done"
	KindOther     Kind = "other"
)

// Terminal kinds end the turn for persistence purposes.
func (k Kind) Terminal() bool {
	return k == KindCrisis || k == KindError || k == KindDone
}

type Score struct {
	Total     *float64
	Breakdown json.RawMessage
}

type ShareCard struct {
	Summary string          `json:"summary"`
	Score   float64         `json:"score"`
	Actions json.RawMessage `json:"actions"`
}

type Crisis struct {
	Message  string          `json:"message"`
	Hotlines json.RawMessage `json:"hotlines"`
	FollowUp string          `json:"follow_up,omitempty"`
}

type UpstreamFailure struct {
	Code    string
	Message string
}

// Event is a classified frame. A legacy frame may carry several payloads at
// once (content plus a score, say); Kind is the one that decides flow.
type Event struct {
	Kind      Kind
	Frame     Frame
	Token     string
	Score     *Score
	ShareCard *ShareCard
	Crisis    *Crisis
	Failure   *UpstreamFailure
	Sentinel  bool
}

// Classifier maps raw frames to events.
type Classifier interface {
	Classify(f Frame) Event
}

// DefaultClassifier trusts the event field and only sniffs payload shape for
// untyped frames.
type DefaultClassifier struct{}

var _ Classifier = DefaultClassifier{}

func (DefaultClassifier) Classify(f Frame) Event {
	ev := Event{Kind: KindOther, Frame: f}
	if f.IsDoneSentinel() {
		ev.Kind = KindDone
		ev.Sentinel = true
		return ev
	}

	switch Kind(strings.TrimSpace(f.Event)) {
	case KindToken:
		ev.Kind = KindToken
		ev.Token = tokenText(f.Data)
	case KindScore:
		if s := parseScore([]byte(f.Data)); s != nil {
			ev.Kind = KindScore
			ev.Score = s
		}
	case KindShareCard:
		var card ShareCard
		if json.Unmarshal([]byte(f.Data), &card) == nil && card.Summary != "" {
			ev.Kind = KindShareCard
			ev.ShareCard = &card
		}
	case KindCrisis:
		ev.Kind = KindCrisis
		ev.Crisis = parseCrisis(f.Data)
	case KindError:
		ev.Kind = KindError
		ev.Failure = parseFailure([]byte(f.Data))
		if ev.Failure == nil {
			ev.Failure = &UpstreamFailure{Code: "AI_ERROR", Message: strings.TrimSpace(f.Data)}
		}
	case KindDone:
		ev.Kind = KindDone
	case "", "message":
		return sniff(ev)
	}
	return ev
}

// sniff classifies untyped frames by payload shape.
func sniff(ev Event) Event {
	data := bytes.TrimSpace([]byte(ev.Frame.Data))
	if len(data) == 0 {
		return ev
	}

	if data[0] == '"' {
		var s string
		if json.Unmarshal(data, &s) == nil {
			ev.Kind = KindToken
			ev.Token = s
		}
		return ev
	}

	var obj map[string]json.RawMessage
	if json.Unmarshal(data, &obj) != nil {
		return ev
	}

	if _, ok := obj["hotlines"]; ok {
		ev.Kind = KindCrisis
		ev.Crisis = parseCrisis(string(data))
		return ev
	}
	if f := parseFailure(data); f != nil {
		ev.Kind = KindError
		ev.Failure = f
		return ev
	}

	if raw, ok := obj["content"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			ev.Kind = KindToken
			ev.Token = s
		}
	}

	if raw, ok := obj["reality_score"]; ok {
		ev.Score = parseScore(raw)
	} else if _, ok := obj["total"]; ok {
		ev.Score = parseScore(data)
	}
	if ev.Score != nil && ev.Kind == KindOther {
		ev.Kind = KindScore
	}

	var card *ShareCard
	if raw, ok := obj["share_card"]; ok {
		card = &ShareCard{}
		if json.Unmarshal(raw, card) != nil {
			card = nil
		}
	} else if _, hasSummary := obj["summary"]; hasSummary {
		if _, hasActions := obj["actions"]; hasActions {
			card = &ShareCard{}
			if json.Unmarshal(data, card) != nil {
				card = nil
			}
		}
	}
	if card != nil {
		ev.ShareCard = card
		if ev.Kind == KindOther {
			ev.Kind = KindShareCard
		}
	}
	return ev
}

func tokenText(data string) string {
	trimmed := bytes.TrimSpace([]byte(data))
	if len(trimmed) == 0 {
		return ""
	}
	switch trimmed[0] {
	case '{':
		var body struct {
			Content string `json:"content"`
		}
		if json.Unmarshal(trimmed, &body) == nil {
			return body.Content
		}
	case '"':
		var s string
		if json.Unmarshal(trimmed, &s) == nil {
			return s
		}
	}
	return data
}

// parseScore accepts {total, breakdown}, a nested {reality_score: {...}},
// or a bare number. Without a breakdown field the whole object is kept.
func parseScore(raw []byte) *Score {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var n float64
	if json.Unmarshal(raw, &n) == nil {
		return &Score{Total: &n}
	}

	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) != nil {
		return nil
	}
	if nested, ok := obj["reality_score"]; ok {
		return parseScore(nested)
	}

	s := &Score{}
	for _, key := range []string{"total", "score"} {
		if v, ok := obj[key]; ok {
			var total float64
			if json.Unmarshal(v, &total) == nil {
				s.Total = &total
				break
			}
		}
	}
	if b, ok := obj["breakdown"]; ok && !bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		s.Breakdown = b
	} else {
		s.Breakdown = raw
	}
	return s
}

func parseCrisis(data string) *Crisis {
	c := &Crisis{}
	if err := json.Unmarshal([]byte(data), c); err != nil {
		c.Message = strings.TrimSpace(data)
	}
	return c
}

// parseFailure recognises {error: "..."} and {code: "*ERROR*", message}.
func parseFailure(data []byte) *UpstreamFailure {
	var body struct {
		Error   json.RawMessage `json:"error"`
		Code    string          `json:"code"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(data, &body) != nil {
		return nil
	}
	if len(body.Error) > 0 && !bytes.Equal(body.Error, []byte("null")) {
		var msg string
		if json.Unmarshal(body.Error, &msg) != nil {
			msg = string(body.Error)
		}
		code := body.Code
		if code == "" {
			code = "AI_ERROR"
		}
		return &UpstreamFailure{Code: code, Message: msg}
	}
	if strings.Contains(strings.ToUpper(body.Code), "ERROR") {
		return &UpstreamFailure{Code: body.Code, Message: body.Message}
	}
	return nil
}
