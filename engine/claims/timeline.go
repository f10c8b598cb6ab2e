package claims

import (
	"encoding/json"
	"sort"
	"time"
)

// TimelineEventType enumerates how a claim has appeared or changed over time.
type TimelineEventType string

const (
	EventFirstAppeared TimelineEventType = "first_appeared"
	EventUpdated       TimelineEventType = "updated"
	EventCorrected     TimelineEventType = "corrected"
	EventRetracted     TimelineEventType = "retracted"
	EventConfirmed     TimelineEventType = "confirmed"
)

// RetractionPenalty is the fixed multiplicative penalty applied to a
// retracted claim's effective confidence. The stored confidence is preserved
// for audit; the penalty applies only on read.
const RetractionPenalty = 0.3

// TimelineEvent is one append-only record in a claim's timeline.
type TimelineEvent struct {
	Timestamp          time.Time         `json:"timestamp"`
	EventType          TimelineEventType `json:"event_type"`
	SourceURL          string            `json:"source_url,omitempty"`
	WaybackSnapshotURL string            `json:"wayback_snapshot_url,omitempty"`
	Notes              string            `json:"notes,omitempty"`
}

// Timeline is a claim's event history. Events are appended in arrival order;
// chronological ordering is recomputed on read.
type Timeline struct {
	events []TimelineEvent
}

// ParseTimeline decodes a timeline from its stored JSON form. Empty input
// yields an empty timeline.
func ParseTimeline(raw string) (*Timeline, error) {
	t := &Timeline{}
	if raw == "" {
		return t, nil
	}
	if err := json.Unmarshal([]byte(raw), &t.events); err != nil {
		return nil, err
	}
	return t, nil
}

// JSON encodes the timeline in arrival order, round-tripping through
// ParseTimeline without loss.
func (t *Timeline) JSON() (string, error) {
	if len(t.events) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(t.events)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Append records an event. Events are never removed or rewritten.
func (t *Timeline) Append(ev TimelineEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	t.events = append(t.events, ev)
}

// Events returns the events in chronological order (stable for equal
// timestamps, preserving arrival order).
func (t *Timeline) Events() []TimelineEvent {
	out := make([]TimelineEvent, len(t.events))
	copy(out, t.events)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// HasTimeline reports whether any events were recorded.
func (t *Timeline) HasTimeline() bool { return len(t.events) > 0 }

// IsRetracted reports whether a retraction event exists.
func (t *Timeline) IsRetracted() bool { return t.has(EventRetracted) }

// IsCorrected reports whether a correction event exists.
func (t *Timeline) IsCorrected() bool { return t.has(EventCorrected) }

// ConfirmationCount counts confirmed events.
func (t *Timeline) ConfirmationCount() int {
	n := 0
	for _, ev := range t.events {
		if ev.EventType == EventConfirmed {
			n++
		}
	}
	return n
}

func (t *Timeline) has(kind TimelineEventType) bool {
	for _, ev := range t.events {
		if ev.EventType == kind {
			return true
		}
	}
	return false
}

// EffectiveConfidence applies the retraction penalty to the stored value on
// read. The stored value itself is never rewritten.
func (t *Timeline) EffectiveConfidence(stored float64) float64 {
	if t.IsRetracted() {
		return stored * RetractionPenalty
	}
	return stored
}
