package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/kinship/internal/config"
	"github.com/nugget/kinship/internal/events"
	"github.com/nugget/kinship/internal/relationship"
)

// StateSource is the read side of the relationship store.
type StateSource interface {
	Global() relationship.Globals
	ContactIDs() []string
}

// Broker publishes one message. *autopaho.ConnectionManager satisfies
// it.
type Broker interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher keeps Home Assistant informed about the companion.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	state      StateSource
	activity   *Activity
	logger     *slog.Logger

	cm     *autopaho.ConnectionManager
	broker Broker
	// kick requests an immediate state publish.
	kick chan struct{}
}

// New creates a Publisher without connecting. activity may be nil.
func New(cfg config.MQTTConfig, instanceID string, state StateSource, activity *Activity, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if activity == nil {
		activity = NewActivity(nil)
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		state:      state,
		activity:   activity,
		logger:     logger.With("component", "mqtt"),
		kick:       make(chan struct{}, 1),
	}
}

// Start connects to the broker, follows bus (when non-nil) and
// publishes states until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context, bus *events.Bus) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker url: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected", "broker", p.cfg.Broker)
			p.announce(ctx, cm)
			p.requestPublish()
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "kinship-" + p.cfg.DeviceName,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm
	p.broker = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt not connected yet, retrying in background", "error", err)
	}

	if bus != nil {
		ch := bus.Subscribe(64)
		defer bus.Unsubscribe(ch)
		go p.follow(ctx, ch)
	}
	p.loop(ctx)
	return nil
}

// Stop marks the device offline and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) baseTopic() string {
	return "kinship/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) discoveryTopic(entity string) string {
	return p.cfg.DiscoveryPrefix + "/sensor/" + p.cfg.DeviceName + "/" + entity + "/config"
}

type sensorDef struct {
	entity string
	config SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              p.device.Name + " " + name,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	mood := p.sensor("mood", "Mood", "mdi:emoticon-outline")

	prayer := p.sensor("prayer", "Prayer", "mdi:hands-pray")
	prayer.JSONAttributesTopic = p.attributesTopic("prayer")

	contacts := p.sensor("contacts", "Contacts", "mdi:account-multiple")
	contacts.StateClass = "measurement"

	received := p.sensor("messages_today", "Messages Today", "mdi:message-arrow-left")
	received.StateClass = "total_increasing"
	received.UnitOfMeasurement = "messages"

	proactive := p.sensor("proactive_today", "Proactive Today", "mdi:message-arrow-right")
	proactive.StateClass = "total_increasing"
	proactive.UnitOfMeasurement = "messages"

	last := p.sensor("last_event", "Last Event", "mdi:history")
	last.JSONAttributesTopic = p.attributesTopic("last_event")
	last.EntityCategory = "diagnostic"

	version := p.sensor("version", "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"

	return []sensorDef{
		{"mood", mood},
		{"prayer", prayer},
		{"contacts", contacts},
		{"messages_today", received},
		{"proactive_today", proactive},
		{"last_event", last},
		{"version", version},
	}
}

// announce publishes the retained discovery configs and the birth
// message.
func (p *Publisher) announce(ctx context.Context, b Broker) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic(s.entity)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt discovery encode failed", "entity", s.entity, "error", err)
			continue
		}
		if _, err := b.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 1, Retain: true}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "error", err)
		}
	}
	p.publishAvailability(ctx, b, "online")
}

func (p *Publisher) publishAvailability(ctx context.Context, b Broker, status string) {
	_, err := b.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	})
	if err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

// follow counts bus events and republishes right away when the mood
// or the prayer state changes.
func (p *Publisher) follow(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.activity.Observe(e.Kind, e.Timestamp)
			switch e.Kind {
			case events.KindMoodChanged, events.KindPrayerEntered, events.KindPrayerExited:
				p.requestPublish()
			}
		}
	}
}

func (p *Publisher) requestPublish() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Publisher) loop(ctx context.Context) {
	interval := p.cfg.PublishInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx, p.broker)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		}
		p.publishStates(ctx, p.broker)
	}
}

// states renders every sensor value and attribute payload, keyed by
// topic.
func (p *Publisher) states() map[string][]byte {
	g := p.state.Global()
	act := p.activity.Snapshot()

	prayer := "idle"
	if g.InPrayer {
		prayer = "praying"
	}
	prayerAttrs, _ := json.Marshal(map[string]any{
		"name":       g.PrayerName,
		"started_at": formatTime(g.PrayerStartedAt),
	})

	last := act.LastKind
	if last == "" {
		last = "none"
	}
	lastAttrs, _ := json.Marshal(map[string]any{
		"at":               formatTime(act.LastAt),
		"last_interaction": formatTime(g.LastInteractionAt),
		"replies_today":    act.Replies,
	})

	return map[string][]byte{
		p.stateTopic("mood"):            []byte(g.CurrentMood),
		p.stateTopic("prayer"):          []byte(prayer),
		p.attributesTopic("prayer"):     prayerAttrs,
		p.stateTopic("contacts"):        []byte(strconv.Itoa(len(p.state.ContactIDs()))),
		p.stateTopic("messages_today"):  []byte(strconv.FormatInt(act.Received, 10)),
		p.stateTopic("proactive_today"): []byte(strconv.FormatInt(act.Proactive, 10)),
		p.stateTopic("last_event"):      []byte(last),
		p.attributesTopic("last_event"): lastAttrs,
		p.stateTopic("version"):         []byte(p.device.SWVersion),
	}
}

func (p *Publisher) publishStates(ctx context.Context, b Broker) {
	if b == nil {
		return
	}
	states := p.states()
	for topic, payload := range states {
		if _, err := b.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, Retain: true}); err != nil {
			p.logger.Debug("mqtt state publish failed", "topic", topic, "error", err)
		}
	}
	p.logger.Debug("mqtt states published", "topics", len(states))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}
