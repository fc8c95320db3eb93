package session

import (
	"time"

	"github.com/g960059/agtpilot/internal/model"
)

// orderSkewBudget bounds how far an engine timestamp may drift from local
// ingest time before ingest time is used for ordering instead.
const orderSkewBudget = 10 * time.Second

func effectiveEventTime(eventTime, ingestedAt time.Time, skewBudget time.Duration) time.Time {
	if eventTime.IsZero() {
		return ingestedAt
	}
	delta := eventTime.Sub(ingestedAt)
	if delta < 0 {
		delta = -delta
	}
	if delta > skewBudget {
		return ingestedAt
	}
	return eventTime
}

func buildOrderKey(ev model.Event, ingestedAt time.Time, skewBudget time.Duration) model.OrderKey {
	key := model.OrderKey{
		HasSeq:     ev.Seq != nil,
		EventTime:  effectiveEventTime(ev.Timestamp, ingestedAt, skewBudget),
		IngestedAt: ingestedAt,
		EventID:    ev.ID,
	}
	if ev.Seq != nil {
		key.Seq = *ev.Seq
	}
	return key
}

// isNewer reports whether candidate may be applied after stored on the same
// (task, event type) channel. Sequence numbers win when both sides carry
// one; otherwise event time, then arrival. A replay of the same event id at
// the same instant is not newer.
func isNewer(candidate, stored model.OrderKey) bool {
	if candidate.HasSeq && stored.HasSeq {
		if candidate.Seq != stored.Seq {
			return candidate.Seq > stored.Seq
		}
	}
	if !candidate.EventTime.Equal(stored.EventTime) {
		return candidate.EventTime.After(stored.EventTime)
	}
	if !candidate.IngestedAt.Equal(stored.IngestedAt) {
		return candidate.IngestedAt.After(stored.IngestedAt)
	}
	return candidate.EventID != stored.EventID
}
