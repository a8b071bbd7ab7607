package bus

import (
	"context"
	"encoding/json"
	"testing"
)

func TestNewEvent(t *testing.T) {
	e := NewEvent(InvestmentCompleted, "company:1", map[string]int{"amount": 500})
	if e.ID == "" || e.OccurredAt.IsZero() {
		t.Fatalf("event missing id or time: %+v", e)
	}
	body, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded["Key"]; ok {
		t.Fatalf("partition key should not be part of the payload")
	}
	if decoded["type"] != InvestmentCompleted {
		t.Fatalf("type=%v", decoded["type"])
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	ctx := context.Background()
	_ = r.Publish(ctx, NewEvent(InvestmentCompleted, "a", nil))
	_ = r.Publish(ctx, NewEvent(SettlementCompleted, "b", nil))
	if len(r.Events()) != 2 || len(r.OfType(SettlementCompleted)) != 1 {
		t.Fatalf("unexpected recorded events: %+v", r.Events())
	}
	if err := (Nop{}).Publish(ctx, Event{}); err != nil {
		t.Fatal(err)
	}
}
