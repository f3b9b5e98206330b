package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-relay/internal/metrics"
)

// Finalizer persists the outcome of a turn. The relay calls it at most once.
type Finalizer interface {
	Finalize(ctx context.Context, out Outcome) error
}

type FinalizeFunc func(ctx context.Context, out Outcome) error

func (f FinalizeFunc) Finalize(ctx context.Context, out Outcome) error { return f(ctx, out) }

// Relay pumps one upstream SSE stream to one client while accumulating the
// turn for persistence. The client going away never stops the pump.
type Relay struct {
	classifier Classifier
	sink       Sink
	finalizer  Finalizer
	log        *zap.Logger
}

func New(sink Sink, finalizer Finalizer, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		classifier: DefaultClassifier{},
		sink:       sink,
		finalizer:  finalizer,
		log:        log,
	}
}

// WithClassifier swaps the frame classifier.
func (r *Relay) WithClassifier(c Classifier) *Relay {
	r.classifier = c
	return r
}

// streamErrorFrame is sent when the upstream body fails mid-read.
var streamErrorFrame = Frame{
	Event: string(KindError),
	Data:  `{"code":"AI_STREAM_ERROR","message":"AI stream error"}`,
}

// Run drains upstream until EOF or a read error. ctx bounds persistence
// only and should not be tied to the client connection.
func (r *Relay) Run(ctx context.Context, upstream io.Reader) Outcome {
	metrics.RelaysActive.Inc()
	defer metrics.RelaysActive.Dec()

	var (
		acc          Accumulator
		dec          = NewDecoder(upstream)
		clientAlive  = true
		sentinelSent = false
		streamErr    error
	)

	send := func(f Frame) {
		if !clientAlive {
			return
		}
		if err := r.sink.Send(f); err != nil {
			clientAlive = false
			reason := "write_failed"
			if errors.Is(err, ErrClientGone) {
				reason = "detached"
			}
			metrics.ClientDetaches.WithLabelValues(reason).Inc()
			r.log.Debug("client write path closed, draining upstream", zap.String("reason", reason))
			return
		}
		if f.IsDoneSentinel() {
			sentinelSent = true
		}
	}

	for {
		frame, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				streamErr = err
				r.log.Warn("upstream stream read failed", zap.Error(err))
				metrics.RelayEvents.WithLabelValues("stream_error").Inc()
				acc.Apply(Event{
					Kind:    KindError,
					Failure: &UpstreamFailure{Code: "AI_STREAM_ERROR", Message: "AI stream error"},
				})
				send(streamErrorFrame)
			}
			break
		}

		ev := r.classifier.Classify(frame)
		metrics.RelayEvents.WithLabelValues(string(ev.Kind)).Inc()
		if ev.Failure != nil {
			r.log.Warn("upstream reported error",
				zap.String("code", ev.Failure.Code), zap.String("message", ev.Failure.Message))
		}

		terminal := acc.Apply(ev)
		if ev.Kind == KindError {
			// upstream error text stays in the log
			send(clientErrorFrame(ev.Failure))
		} else {
			send(frame)
		}
		if terminal {
			r.finalize(ctx, &acc, nil)
		}
	}

	out := r.finalize(ctx, &acc, streamErr)
	if !sentinelSent {
		send(DoneFrame())
	}
	return out
}

func (r *Relay) finalize(ctx context.Context, acc *Accumulator, streamErr error) Outcome {
	out := acc.Outcome()
	out.StreamErr = streamErr
	if !acc.MarkFinalized() {
		return out
	}
	if r.finalizer == nil {
		return out
	}
	if err := r.finalizer.Finalize(ctx, out); err != nil {
		metrics.FinalizeOutcomes.WithLabelValues("failed").Inc()
		r.log.Error("assistant turn not persisted", zap.Error(err))
		return out
	}
	metrics.FinalizeOutcomes.WithLabelValues("ok").Inc()
	return out
}

// ErrorFrame builds a client error event with a classified code.
func ErrorFrame(code, message string) Frame {
	body, _ := json.Marshal(map[string]string{"code": code, "message": message})
	return Frame{Event: string(KindError), Data: string(body)}
}

const upstreamErrorMessage = "AI service reported an error"

// clientErrorFrame keeps only a well-formed upstream error code.
func clientErrorFrame(f *UpstreamFailure) Frame {
	code := "AI_ERROR"
	if f != nil && isErrorCode(f.Code) {
		code = f.Code
	}
	return ErrorFrame(code, upstreamErrorMessage)
}

func isErrorCode(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}

// DoneFrame is the terminal [DONE] frame.
func DoneFrame() Frame { return Frame{Data: DoneSentinel} }
