// Package fraud scores transfer attempts. Six independent rules run
// concurrently; total wall time is the slowest rule, not the sum. The
// engine fails open: when its state store is unreachable the transfer is
// approved with score zero, and every rule treats missing state as
// non-firing.
package fraud

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"payments-core/internal/domain"
	"payments-core/internal/money"
)

// Signal is one rule that fired for one attempt.
type Signal struct {
	Rule    string            `json:"rule"`
	Points  int               `json:"points"`
	Context map[string]string `json:"context,omitempty"`
}

// Evaluation is the aggregated outcome.
type Evaluation struct {
	Score   int                `json:"score"`
	Action  domain.FraudAction `json:"action"`
	Signals []Signal           `json:"signals"`
}

// Input is everything a rule may look at. The sender's creation time is
// pre-loaded by the orchestrator so rules never touch the relational store.
type Input struct {
	SenderID        uuid.UUID
	RecipientID     uuid.UUID
	Amount          money.Paise
	SenderCreatedAt time.Time
	TraceID         string
}

// Thresholds map a score to an action. Score s gets: approve when
// s < ApproveBelow, review when s < ReviewBelow, challenge when
// s < ChallengeBelow, decline otherwise.
type Thresholds struct {
	ApproveBelow   int
	ReviewBelow    int
	ChallengeBelow int
}

func DefaultThresholds() Thresholds {
	return Thresholds{ApproveBelow: 30, ReviewBelow: 60, ChallengeBelow: 80}
}

func (t Thresholds) Action(score int) domain.FraudAction {
	switch {
	case score < t.ApproveBelow:
		return domain.ActionApprove
	case score < t.ReviewBelow:
		return domain.ActionReview
	case score < t.ChallengeBelow:
		return domain.ActionChallenge
	default:
		return domain.ActionDecline
	}
}

type Engine struct {
	state      State
	log        zerolog.Logger
	thresholds Thresholds
	timeout    time.Duration
	failOpen   bool
	zone       *time.Location

	now func() time.Time // test seam
}

type Option func(*Engine)

func WithThresholds(t Thresholds) Option {
	return func(e *Engine) { e.thresholds = t }
}

func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

func WithFailOpen(open bool) Option {
	return func(e *Engine) { e.failOpen = open }
}

func WithZone(loc *time.Location) Option {
	return func(e *Engine) { e.zone = loc }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(state State, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		state:      state,
		log:        log.With().Str("component", "fraud").Logger(),
		thresholds: DefaultThresholds(),
		timeout:    5 * time.Second,
		failOpen:   true,
		zone:       time.FixedZone("IST", 330*60),
		now:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// approveAll is the fail-open result.
func approveAll() Evaluation {
	return Evaluation{Score: 0, Action: domain.ActionApprove, Signals: []Signal{}}
}

type ruleFunc struct {
	name string
	fn   func(ctx context.Context, in Input) (Signal, bool, error)
}

// Evaluate runs all rules concurrently and aggregates. Rule outcomes land
// in a fixed slot per rule, so the result is deterministic regardless of
// completion order.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Evaluation, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	rules := []ruleFunc{
		{"velocity", e.ruleVelocity},
		{"amount_anomaly", e.ruleAmountAnomaly},
		{"unusual_hour", e.ruleUnusualHour},
		{"new_account", e.ruleNewAccount},
		{"round_amount", e.ruleRoundAmount},
		{"recipient_risk", e.ruleRecipientRisk},
	}

	type slot struct {
		sig   Signal
		fired bool
	}
	slots := make([]slot, len(rules))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range rules {
		i, r := i, r
		g.Go(func() error {
			sig, fired, err := r.fn(gctx, in)
			if err != nil {
				return err
			}
			slots[i] = slot{sig: sig, fired: fired}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if !e.failOpen {
			return Evaluation{}, err
		}
		e.log.Error().Err(err).Str("trace_id", in.TraceID).
			Msg("fraud state unavailable, failing open")
		return approveAll(), nil
	}

	score := 0
	signals := []Signal{}
	for _, s := range slots {
		if s.fired {
			score += s.sig.Points
			signals = append(signals, s.sig)
		}
	}
	if score > 100 {
		score = 100
	}

	ev := Evaluation{Score: score, Action: e.thresholds.Action(score), Signals: signals}
	e.log.Debug().Str("trace_id", in.TraceID).Int("score", score).
		Str("action", string(ev.Action)).Int("signals", len(signals)).
		Msg("fraud evaluation complete")
	return ev, nil
}

// IsStateError reports whether err came from the fraud state store rather
// than a rule's own logic.
func IsStateError(err error) bool {
	return errors.Is(err, errState)
}
