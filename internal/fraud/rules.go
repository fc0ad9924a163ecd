package fraud

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"payments-core/internal/money"
)

const (
	velocityWindow    = 60 * time.Second
	velocityLimit     = 3
	amountWindowSize  = 20
	amountWindowTTL   = 30 * 24 * time.Hour
	amountMultiplier  = 5
	newAccountAge     = 7 * 24 * time.Hour
	recipientWindow   = 60 * time.Minute
	recipientMaxFanIn = 10
	unusualHourFrom   = 1
	unusualHourTo     = 5
)

// Paise values flagged as suspiciously round.
var roundAmounts = map[money.Paise]struct{}{
	500000:    {}, // 5,000
	1000000:   {}, // 10,000
	5000000:   {}, // 50,000
	10000000:  {}, // 1,00,000
	50000000:  {}, // 5,00,000
	100000000: {}, // 10,00,000
}

// ruleVelocity fires when the sender makes more than velocityLimit attempts
// inside the rolling window. The attempt being scored counts toward the
// window.
func (e *Engine) ruleVelocity(ctx context.Context, in Input) (Signal, bool, error) {
	n, err := e.state.BumpVelocity(ctx, in.SenderID, velocityWindow)
	if err != nil {
		return Signal{}, false, err
	}
	if n <= velocityLimit {
		return Signal{}, false, nil
	}
	return Signal{
		Rule:   "velocity",
		Points: 25,
		Context: map[string]string{
			"attempts": strconv.FormatInt(n, 10),
			"window":   velocityWindow.String(),
		},
	}, true, nil
}

// ruleAmountAnomaly fires when the current amount exceeds five times the
// mean of the sender's recent amounts. The current amount is recorded for
// future evaluations either way; an empty history never fires.
func (e *Engine) ruleAmountAnomaly(ctx context.Context, in Input) (Signal, bool, error) {
	recent, err := e.state.RecentAmounts(ctx, in.SenderID, amountWindowSize)
	if err != nil {
		return Signal{}, false, err
	}
	if err := e.state.RecordAmount(ctx, in.SenderID, int64(in.Amount), amountWindowSize, amountWindowTTL); err != nil {
		return Signal{}, false, err
	}
	if len(recent) == 0 {
		return Signal{}, false, nil
	}
	var sum int64
	for _, a := range recent {
		sum += a
	}
	mean := sum / int64(len(recent))
	if mean <= 0 || int64(in.Amount) <= amountMultiplier*mean {
		return Signal{}, false, nil
	}
	return Signal{
		Rule:   "amount_anomaly",
		Points: 30,
		Context: map[string]string{
			"amount":  strconv.FormatInt(int64(in.Amount), 10),
			"mean":    strconv.FormatInt(mean, 10),
			"samples": strconv.Itoa(len(recent)),
		},
	}, true, nil
}

// ruleUnusualHour fires between 01:00 and 05:59 local time.
func (e *Engine) ruleUnusualHour(_ context.Context, _ Input) (Signal, bool, error) {
	h := e.now().In(e.zone).Hour()
	if h < unusualHourFrom || h > unusualHourTo {
		return Signal{}, false, nil
	}
	return Signal{
		Rule:    "unusual_hour",
		Points:  10,
		Context: map[string]string{"hour": strconv.Itoa(h)},
	}, true, nil
}

// ruleNewAccount fires for senders younger than a week.
func (e *Engine) ruleNewAccount(_ context.Context, in Input) (Signal, bool, error) {
	if in.SenderCreatedAt.IsZero() {
		return Signal{}, false, nil
	}
	age := e.now().Sub(in.SenderCreatedAt)
	if age >= newAccountAge {
		return Signal{}, false, nil
	}
	return Signal{
		Rule:    "new_account",
		Points:  15,
		Context: map[string]string{"age": age.Truncate(time.Second).String()},
	}, true, nil
}

func (e *Engine) ruleRoundAmount(_ context.Context, in Input) (Signal, bool, error) {
	if _, ok := roundAmounts[in.Amount]; !ok {
		return Signal{}, false, nil
	}
	return Signal{
		Rule:    "round_amount",
		Points:  5,
		Context: map[string]string{"amount": fmt.Sprintf("%d", in.Amount)},
	}, true, nil
}

// ruleRecipientRisk fires when the recipient has been credited by more than
// recipientMaxFanIn distinct senders within the window. Distinct senders,
// not attempts: repeats from one sender count once.
func (e *Engine) ruleRecipientRisk(ctx context.Context, in Input) (Signal, bool, error) {
	n, err := e.state.AddRecipientSender(ctx, in.RecipientID, in.SenderID, recipientWindow)
	if err != nil {
		return Signal{}, false, err
	}
	if n <= recipientMaxFanIn {
		return Signal{}, false, nil
	}
	return Signal{
		Rule:   "recipient_risk",
		Points: 20,
		Context: map[string]string{
			"distinct_senders": strconv.FormatInt(n, 10),
			"window":           recipientWindow.String(),
		},
	}, true, nil
}
