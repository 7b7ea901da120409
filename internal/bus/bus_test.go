package bus

import (
	"testing"
	"time"
)

func TestPublishReachesTopicSubscribersOnly(t *testing.T) {
	b := New(8)
	status := b.Subscribe(TopicStatus)
	defer status.Close()
	alerts := b.Subscribe(TopicAlerts)
	defer alerts.Close()

	b.Publish(TopicStatus, "snapshot")

	select {
	case ev := <-status.C:
		if ev.Payload != "snapshot" {
			t.Errorf("payload = %v, want snapshot", ev.Payload)
		}
		if ev.Topic != TopicStatus {
			t.Errorf("topic = %s, want %s", ev.Topic, TopicStatus)
		}
	case <-time.After(time.Second):
		t.Fatal("status subscriber got nothing")
	}

	select {
	case ev := <-alerts.C:
		t.Fatalf("alerts subscriber got %v for a status publish", ev)
	default:
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New(2)
	sub := b.Subscribe(TopicGPS)
	defer sub.Close()

	b.Publish(TopicGPS, 1)
	b.Publish(TopicGPS, 2)
	b.Publish(TopicGPS, 3) // buffer of 2: drops 1

	if got := sub.Dropped(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	first := <-sub.C
	second := <-sub.C
	if first.Payload != 2 || second.Payload != 3 {
		t.Errorf("buffered = [%v %v], want [2 3]", first.Payload, second.Payload)
	}
}

func TestClosedSubscriptionStopsReceiving(t *testing.T) {
	b := New(4)
	sub := b.Subscribe(TopicAlerts)
	sub.Close()
	sub.Close() // idempotent

	b.Publish(TopicAlerts, "overheat")

	select {
	case ev := <-sub.C:
		t.Fatalf("closed subscription got %v", ev)
	default:
	}
	if n := b.SubscriberCount(TopicAlerts); n != 0 {
		t.Errorf("subscriber count = %d, want 0", n)
	}
}
