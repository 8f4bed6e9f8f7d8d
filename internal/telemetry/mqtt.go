// Package telemetry publishes relay lifecycle events to an MQTT broker, for
// operators running a fleet of relay servers who want a central view
// without polling each one's admin endpoint.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// Topics this publisher writes to. Subscribers distinguish servers by the
// instance_id field included in every payload, not by topic.
const (
	TopicServerStarted = "netplay/relay/started"
	TopicSessionJoined = "netplay/relay/session_joined"
	TopicSessionQuit   = "netplay/relay/session_quit"
	TopicGameStarted   = "netplay/relay/game_started"
	TopicLagChanged    = "netplay/relay/lag_changed"
	TopicServerStopped = "netplay/relay/stopped"
)

// Publisher wraps a paho MQTT client with one helper per event kind. A nil
// *Publisher is valid and every method becomes a no-op, so callers don't
// need to branch on whether MQTT telemetry is enabled.
type Publisher struct {
	client     mqtt.Client
	instanceID string
	logger     logr.Logger
}

// NewPublisher connects to broker (e.g. "tcp://localhost:1883"). Returns nil
// without error if broker is empty, so callers can always defer Close().
func NewPublisher(broker string, logger logr.Logger) (*Publisher, error) {
	if broker == "" {
		return nil, nil
	}

	instanceID := uuid.NewString()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(fmt.Sprintf("netplay-relay-%s", instanceID))
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", "broker", broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Error(err, "mqtt connection lost", "broker", broker)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	return &Publisher{client: client, instanceID: instanceID, logger: logger}, nil
}

func (p *Publisher) publish(topic string, payload map[string]interface{}) {
	if p == nil || p.client == nil || !p.client.IsConnected() {
		return
	}
	payload["instance_id"] = p.instanceID
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error(err, "mqtt: marshal payload failed", "topic", topic)
		return
	}

	token := p.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			p.logger.Error(token.Error(), "mqtt: publish failed", "topic", topic)
		}
	}()
}

// PublishServerStarted announces the server is listening on port.
func (p *Publisher) PublishServerStarted(port uint16) {
	p.publish(TopicServerStarted, map[string]interface{}{"port": port})
}

// PublishSessionJoined announces a session completed the handshake.
func (p *Publisher) PublishSessionJoined(id uint32, name string) {
	p.publish(TopicSessionJoined, map[string]interface{}{"id": id, "name": name})
}

// PublishSessionQuit announces a session left the registry.
func (p *Publisher) PublishSessionQuit(id uint32) {
	p.publish(TopicSessionQuit, map[string]interface{}{"id": id})
}

// PublishGameStarted announces the game transitioned out of the lobby.
func (p *Publisher) PublishGameStarted(playerCount int) {
	p.publish(TopicGameStarted, map[string]interface{}{"player_count": playerCount})
}

// PublishLagChanged announces a new lag value, whether operator- or
// auto-lag-controller-initiated.
func (p *Publisher) PublishLagChanged(frames uint8, automatic bool) {
	p.publish(TopicLagChanged, map[string]interface{}{"frames": frames, "automatic": automatic})
}

// Close disconnects cleanly, publishing a final stopped notice first.
func (p *Publisher) Close() {
	if p == nil || p.client == nil {
		return
	}
	p.publish(TopicServerStopped, map[string]interface{}{})
	p.client.Disconnect(250)
}

// Run blocks until ctx is cancelled, then disconnects. It exists so main.go
// can manage the publisher's lifetime via the same errgroup as every other
// subsystem, even though the publisher itself has no event loop to run.
func (p *Publisher) Run(ctx context.Context) error {
	if p == nil {
		<-ctx.Done()
		return nil
	}
	<-ctx.Done()
	p.Close()
	return nil
}
