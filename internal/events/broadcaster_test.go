package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/HuiungJang/private-nas-for-mac/internal/audit"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}

	b.Unsubscribe(ch2)
	b.Unsubscribe(ch2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: EventCreate, Path: "/overflow.txt"})
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			if count != subscriberBuffer {
				t.Errorf("expected %d buffered events, got %d", subscriberBuffer, count)
			}
			return
		}
	}
}

func TestBroadcasterWriteFromAudit(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ctx := context.Background()
	when := time.Unix(1700000000, 0)
	b.Write(ctx, audit.Entry{ActorID: "bob", Action: audit.ActionDownload, Target: "/a", Status: audit.StatusSuccess})
	b.Write(ctx, audit.Entry{ActorID: "bob", Action: audit.ActionDelete, Target: "/b", Status: audit.StatusFailure})
	b.Write(ctx, audit.Entry{ActorID: "bob", Action: audit.ActionUpload, Target: "/docs/c.txt", Size: 5, Status: audit.StatusSuccess, Timestamp: when})

	select {
	case ev := <-ch:
		if ev.Type != EventCreate || ev.Path != "/docs/c.txt" || ev.Actor != "bob" || ev.Size != 5 {
			t.Errorf("unexpected event %+v", ev)
		}
		if ev.Timestamp != when.Unix() {
			t.Errorf("expected timestamp %d, got %d", when.Unix(), ev.Timestamp)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-ch:
		t.Fatalf("downloads and failures must not be published, got %+v", ev)
	default:
	}
}

func TestBroadcasterMapsActions(t *testing.T) {
	cases := map[audit.Action]string{
		audit.ActionUpload:          EventCreate,
		audit.ActionCreateDirectory: EventMkdir,
		audit.ActionMove:            EventMove,
		audit.ActionDelete:          EventDelete,
	}
	for action, want := range cases {
		b := NewBroadcaster()
		ch := b.Subscribe()
		b.Write(context.Background(), audit.Entry{Action: action, Target: "/x", Status: audit.StatusSuccess})
		select {
		case ev := <-ch:
			if ev.Type != want {
				t.Errorf("%s: expected %s, got %s", action, want, ev.Type)
			}
			if ev.Timestamp == 0 {
				t.Errorf("%s: expected non-zero timestamp", action)
			}
		default:
			t.Errorf("%s: no event", action)
		}
		b.Unsubscribe(ch)
	}
}

func TestMarshalEvent(t *testing.T) {
	data, err := MarshalEvent(Event{Type: EventDelete, Path: "/deleted.txt", Timestamp: 1234567890})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != EventDelete || got["path"] != "/deleted.txt" {
		t.Errorf("unexpected JSON %s", data)
	}
}
