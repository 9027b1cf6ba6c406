package aggregate

import (
	"testing"
	"time"

	"mqttscope/pkg/storage"
	"mqttscope/pkg/telemetry"
)

func TestTopicCounter_TopTopics(t *testing.T) {
	counter := NewTopicCounter()

	for i := 0; i < 5; i++ {
		counter.Record(telemetry.Event{ClientID: "a", Topic: "sensors/temp", Type: telemetry.EventCheckpoint})
	}
	for i := 0; i < 3; i++ {
		counter.Record(telemetry.Event{ClientID: "b", Topic: "alerts", Type: telemetry.EventCheckpoint})
	}
	counter.Record(telemetry.Event{ClientID: "a", Topic: "fleet", Type: telemetry.EventCheckpoint})

	top := counter.TopTopics(2)
	if len(top) != 2 {
		t.Fatalf("Expected 2 topics, got %d", len(top))
	}
	if top[0].Key != "sensors/temp" || top[0].Count != 5 {
		t.Errorf("Unexpected top topic: %+v", top[0])
	}
	if top[1].Key != "alerts" || top[1].Count != 3 {
		t.Errorf("Unexpected second topic: %+v", top[1])
	}

	clients := counter.TopClients(10)
	if len(clients) != 2 {
		t.Fatalf("Expected 2 clients, got %d", len(clients))
	}
	if clients[0].Key != "a" || clients[0].Count != 6 {
		t.Errorf("Unexpected top client: %+v", clients[0])
	}
}

func TestTopicCounter_IgnoresEmptyKeys(t *testing.T) {
	counter := NewTopicCounter()

	counter.Record(telemetry.Event{ClientID: "a", Type: telemetry.EventConnect}) // no topic
	counter.Record(telemetry.Event{Topic: "x", Type: telemetry.EventCheckpoint}) // no client

	if got := counter.TopTopics(10); len(got) != 1 {
		t.Errorf("Expected 1 topic, got %d", len(got))
	}
	if got := counter.TopClients(10); len(got) != 1 {
		t.Errorf("Expected 1 client, got %d", len(got))
	}
}

func TestTopicCounter_RollupRowsWeighted(t *testing.T) {
	counter := NewTopicCounter()

	counter.Record(telemetry.Event{
		ClientID:  "a",
		Topic:     "sensors/temp",
		Type:      telemetry.EventCheckpoint,
		Timestamp: time.Now(),
		Details: map[string]string{
			storage.ResolutionKey: string(storage.Resolution5m),
			storage.CountKey:      "17",
		},
	})

	top := counter.TopTopics(1)
	if len(top) != 1 || top[0].Count != 17 {
		t.Errorf("Expected rolled-up count 17, got %+v", top)
	}
}

func TestTopN_DeterministicTieBreak(t *testing.T) {
	events := []telemetry.Event{
		{Topic: "zebra"},
		{Topic: "apple"},
		{Topic: "mango"},
	}

	top := TopTopics(events, 10)
	if len(top) != 3 {
		t.Fatalf("Expected 3 topics, got %d", len(top))
	}

	// Equal counts break ties alphabetically
	want := []string{"apple", "mango", "zebra"}
	for i, key := range want {
		if top[i].Key != key {
			t.Errorf("Position %d: expected %q, got %q", i, key, top[i].Key)
		}
	}
}

func TestTopClients_Standalone(t *testing.T) {
	events := []telemetry.Event{
		{ClientID: "a"}, {ClientID: "a"}, {ClientID: "b"},
	}

	top := TopClients(events, 1)
	if len(top) != 1 || top[0].Key != "a" || top[0].Count != 2 {
		t.Errorf("Unexpected top client breakdown: %+v", top)
	}
}
