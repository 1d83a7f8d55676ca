package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/mescon/Pollarr/internal/config"
)

// heartbeatQoS is at-least-once, so a successful poll means the broker
// acknowledged the message.
const heartbeatQoS = 1

// MQTTHeartbeat keeps a broker connection open between Start and Stop and
// publishes a heartbeat on every poll.
type MQTTHeartbeat struct {
	base
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu     sync.Mutex
	client mqtt.Client
	seq    uint64
}

func NewMQTTHeartbeat(spec config.ServiceSpec) *MQTTHeartbeat {
	return &MQTTHeartbeat{base: base{spec: spec}, newClient: mqtt.NewClient}
}

func (p *MQTTHeartbeat) clientOptions() *mqtt.ClientOptions {
	clientID := p.spec.ClientID
	if clientID == "" {
		clientID = "pollarr-" + uuid.NewString()[:8]
	}
	timeout := p.spec.EffectiveTimeout()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.spec.Broker)
	opts.SetClientID(clientID)
	opts.SetConnectTimeout(timeout)
	opts.SetWriteTimeout(timeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	return opts
}

// Start connects to the broker. A failed connect aborts registration.
func (p *MQTTHeartbeat) Start() error {
	client := p.newClient(p.clientOptions())
	if err := wait(client.Connect(), p.spec.EffectiveTimeout()); err != nil {
		return fmt.Errorf("connect %s: %w", p.spec.Broker, err)
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()
	return nil
}

func (p *MQTTHeartbeat) Poll(ctx context.Context) error {
	p.mu.Lock()
	client := p.client
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	if client == nil {
		return errors.New("not connected")
	}
	if !client.IsConnectionOpen() {
		return fmt.Errorf("connection to %s is down", p.spec.Broker)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := p.payload(seq)
	if err != nil {
		return err
	}
	if err := wait(client.Publish(p.spec.Topic, heartbeatQoS, false, payload), p.spec.EffectiveTimeout()); err != nil {
		return fmt.Errorf("publish %s: %w", p.spec.Topic, err)
	}
	return nil
}

func (p *MQTTHeartbeat) payload(seq uint64) ([]byte, error) {
	if p.spec.Payload != "" {
		return []byte(p.spec.Payload), nil
	}
	return json.Marshal(map[string]interface{}{
		"service": p.spec.Name,
		"seq":     seq,
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Stop disconnects, giving in-flight messages 250ms to drain.
func (p *MQTTHeartbeat) Stop() error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	return nil
}

func wait(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timed out after %s", timeout)
	}
	return token.Error()
}
