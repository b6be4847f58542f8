package mqtt

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/kinship/internal/config"
	"github.com/nugget/kinship/internal/events"
	"github.com/nugget/kinship/internal/relationship"
)

type fakeBroker struct {
	mu   sync.Mutex
	msgs map[string]*paho.Publish
	n    int
}

func (b *fakeBroker) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msgs == nil {
		b.msgs = make(map[string]*paho.Publish)
	}
	b.msgs[p.Topic] = p
	b.n++
	return &paho.PublishResponse{}, nil
}

func (b *fakeBroker) payload(topic string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.msgs[topic]; ok {
		return string(m.Payload)
	}
	return ""
}

type fakeState struct {
	globals  relationship.Globals
	contacts []string
}

func (s fakeState) Global() relationship.Globals { return s.globals }
func (s fakeState) ContactIDs() []string         { return s.contacts }

func testPublisher(state StateSource) *Publisher {
	cfg := config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "aisyah",
		DiscoveryPrefix: "homeassistant",
		PublishInterval: time.Minute,
	}
	return New(cfg, "instance-123", state, nil, nil)
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if parts := strings.Split(first, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}

	data, err := os.ReadFile(filepath.Join(dir, instanceFile))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first {
		t.Errorf("file content = %q, want %q", got, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q", second, first)
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("id-1", "aisyah")
	if info.Name != "aisyah" || len(info.Identifiers) != 1 || info.Identifiers[0] != "id-1" {
		t.Errorf("DeviceInfo = %+v", info)
	}
	if info.Manufacturer != "Kinship" {
		t.Errorf("Manufacturer = %q", info.Manufacturer)
	}
}

func TestPublisher_Topics(t *testing.T) {
	p := testPublisher(fakeState{})

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"base", p.baseTopic(), "kinship/aisyah"},
		{"availability", p.availabilityTopic(), "kinship/aisyah/availability"},
		{"state", p.stateTopic("mood"), "kinship/aisyah/mood/state"},
		{"attributes", p.attributesTopic("prayer"), "kinship/aisyah/prayer/attributes"},
		{"discovery", p.discoveryTopic("mood"), "homeassistant/sensor/aisyah/mood/config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_Announce(t *testing.T) {
	p := testPublisher(fakeState{})
	b := &fakeBroker{}

	p.announce(context.Background(), b)

	defs := p.sensorDefinitions()
	seen := make(map[string]bool)
	for _, d := range defs {
		raw := b.payload(p.discoveryTopic(d.entity))
		if raw == "" {
			t.Errorf("no discovery config for %s", d.entity)
			continue
		}
		var cfg SensorConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			t.Fatalf("decode %s config: %v", d.entity, err)
		}
		if seen[cfg.UniqueID] {
			t.Errorf("duplicate unique_id %q", cfg.UniqueID)
		}
		seen[cfg.UniqueID] = true
		if cfg.AvailabilityTopic != p.availabilityTopic() {
			t.Errorf("%s availability = %q", d.entity, cfg.AvailabilityTopic)
		}
		if cfg.StateTopic != p.stateTopic(d.entity) {
			t.Errorf("%s state topic = %q", d.entity, cfg.StateTopic)
		}
		if !b.msgs[p.discoveryTopic(d.entity)].Retain {
			t.Errorf("%s config not retained", d.entity)
		}
	}
	if got := b.payload(p.availabilityTopic()); got != "online" {
		t.Errorf("availability = %q, want online", got)
	}
}

func TestPublisher_States(t *testing.T) {
	started := time.Date(2026, 3, 1, 13, 10, 0, 0, time.UTC)
	p := testPublisher(fakeState{
		globals: relationship.Globals{
			CurrentMood:     relationship.MoodGoofy,
			InPrayer:        true,
			PrayerName:      "Zohor",
			PrayerStartedAt: started,
		},
		contacts: []string{"+60111", "+60222", "+60333"},
	})
	p.activity.Observe(events.KindMessageReceived, started)
	p.activity.Observe(events.KindMessageReceived, started)
	p.activity.Observe(events.KindProactiveSent, started)

	b := &fakeBroker{}
	p.publishStates(context.Background(), b)

	want := map[string]string{
		"mood":            "feeling goofy",
		"prayer":          "praying",
		"contacts":        "3",
		"messages_today":  "2",
		"proactive_today": "1",
		"last_event":      events.KindProactiveSent,
	}
	for entity, v := range want {
		if got := b.payload(p.stateTopic(entity)); got != v {
			t.Errorf("%s = %q, want %q", entity, got, v)
		}
	}

	var attrs map[string]string
	if err := json.Unmarshal([]byte(b.payload(p.attributesTopic("prayer"))), &attrs); err != nil {
		t.Fatal(err)
	}
	if attrs["name"] != "Zohor" || attrs["started_at"] != started.Format(time.RFC3339) {
		t.Errorf("prayer attributes = %v", attrs)
	}
}

func TestPublisher_StatesIdle(t *testing.T) {
	p := testPublisher(fakeState{globals: relationship.Globals{CurrentMood: relationship.MoodNormal}})
	b := &fakeBroker{}
	p.publishStates(context.Background(), b)

	if got := b.payload(p.stateTopic("prayer")); got != "idle" {
		t.Errorf("prayer = %q, want idle", got)
	}
	if got := b.payload(p.stateTopic("last_event")); got != "none" {
		t.Errorf("last_event = %q, want none", got)
	}
}

func TestPublisher_FollowKicksOnMoodChange(t *testing.T) {
	p := testPublisher(fakeState{})
	bus := events.New()
	ch := bus.Subscribe(8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.follow(ctx, ch)
		close(done)
	}()

	bus.Publish(events.NewEvent(events.SourceOrchestrator, events.KindMessageReceived, nil))
	bus.Publish(events.NewEvent(events.SourceScheduler, events.KindMoodChanged, map[string]any{"mood": "grumpy"}))

	select {
	case <-p.kick:
	case <-time.After(2 * time.Second):
		t.Fatal("mood change did not request a publish")
	}
	cancel()
	<-done

	if got := p.activity.Snapshot(); got.Received != 1 || got.LastKind != events.KindMoodChanged {
		t.Errorf("activity = %+v", got)
	}
}

func TestActivity_Rollover(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	a := NewActivity(time.UTC)
	a.now = func() time.Time { return now }
	a.day = now.YearDay()

	a.Observe(events.KindMessageReceived, now)
	a.Observe(events.KindResponseSent, now)
	if s := a.Snapshot(); s.Received != 1 || s.Replies != 1 {
		t.Fatalf("snapshot = %+v", s)
	}

	now = now.Add(2 * time.Minute)
	s := a.Snapshot()
	if s.Received != 0 || s.Replies != 0 {
		t.Errorf("counters after midnight = %+v, want zero", s)
	}
	if s.LastKind != events.KindResponseSent {
		t.Errorf("LastKind = %q, should survive rollover", s.LastKind)
	}
}
