package host

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"payflow/store"
)

// Event is one entry of an agreement's timeline. Events are appended in the
// same transaction as the state change they describe.
type Event struct {
	ID      string          `json:"id"`
	Stream  string          `json:"stream"`
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	CallID  string          `json:"call_id"`
	At      uint64          `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func timelineSeqKey(stream string) string {
	return "timeline/" + stream + "/seq"
}

func timelineEventKey(stream string, seq uint64) string {
	return fmt.Sprintf("timeline/%s/%d", stream, seq)
}

func appendEvent(ctx context.Context, s store.Store, ev Event, payload any) (Event, error) {
	var seq uint64
	if _, err := store.GetJSON(ctx, s, timelineSeqKey(ev.Stream), &seq); err != nil {
		return Event{}, fmt.Errorf("host: timeline seq: %w", err)
	}
	seq++

	if payload != nil {
		raw, err := store.Encode(payload)
		if err != nil {
			return Event{}, fmt.Errorf("host: marshal timeline payload: %w", err)
		}
		ev.Payload = raw
	}
	ev.ID = uuid.NewString()
	ev.Seq = seq

	if err := store.PutJSON(ctx, s, timelineEventKey(ev.Stream, seq), ev); err != nil {
		return Event{}, fmt.Errorf("host: insert timeline: %w", err)
	}
	if err := store.PutJSON(ctx, s, timelineSeqKey(ev.Stream), seq); err != nil {
		return Event{}, fmt.Errorf("host: timeline seq: %w", err)
	}
	return ev, nil
}

func readTimeline(ctx context.Context, s store.Store, stream string) ([]Event, error) {
	var last uint64
	if _, err := store.GetJSON(ctx, s, timelineSeqKey(stream), &last); err != nil {
		return nil, fmt.Errorf("host: timeline seq: %w", err)
	}
	events := make([]Event, 0, last)
	for seq := uint64(1); seq <= last; seq++ {
		var ev Event
		ok, err := store.GetJSON(ctx, s, timelineEventKey(stream, seq), &ev)
		if err != nil {
			return nil, fmt.Errorf("host: read timeline: %w", err)
		}
		if ok {
			events = append(events, ev)
		}
	}
	return events, nil
}
