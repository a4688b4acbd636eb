// Package emitter publishes the results of matched pairs to an MQTT broker.
// Publishing runs on its own goroutine behind a drop-on-full queue so a slow
// broker never holds up pairing.
package emitter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/greendrake/gazecap/config"
	"github.com/greendrake/gazecap/frame"
	"github.com/greendrake/gazecap/queue"
	"github.com/greendrake/gazecap/result"
	"github.com/greendrake/gazecap/util"
	"github.com/sirupsen/logrus"
)

const publishTimeout = 2 * time.Second

// Publisher is the part of mqtt.Client the emitter uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type message struct {
	topic   string
	payload []byte
}

type Stats struct {
	Published uint64
	Dropped   uint64
	Errors    uint64
}

type MQTTEmitter struct {
	cfg    config.MQTTConfig
	Client mqtt.Client
	pub    Publisher
	q      *queue.Bounded[message]
	log    *logrus.Entry
	wg     sync.WaitGroup

	published atomic.Uint64
	errors    atomic.Uint64
}

func NewMQTTEmitter(cfg config.MQTTConfig) *MQTTEmitter {
	return &MQTTEmitter{
		cfg: cfg,
		q:   queue.New[message](64),
		log: util.Logger("emitter").WithField("broker", cfg.Broker),
	}
}

// Connect dials the broker and starts the publishing goroutine.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		e.log.Info("mqtt connection established")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.log.WithError(err).Warn("mqtt connection lost, will auto-reconnect")
	}

	e.Client = mqtt.NewClient(opts)
	token := e.Client.Connect()
	// a failed connect must also stop the client's retry loop
	select {
	case <-token.Done():
	case <-ctx.Done():
		e.Client.Disconnect(0)
		return ctx.Err()
	case <-time.After(5 * time.Second):
		e.Client.Disconnect(0)
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		e.Client.Disconnect(0)
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.start(e.Client)
	return nil
}

func (e *MQTTEmitter) start(p Publisher) {
	e.pub = p
	e.wg.Add(1)
	go e.run()
}

// PublishPair queues the results carried by p, one message per source, on
// <topic>/<source>. It copies what it needs and never blocks.
func (e *MQTTEmitter) PublishPair(p *frame.Pair) {
	for _, s := range p.Frames {
		if s == nil || s.Result == nil {
			continue
		}
		b, err := result.Marshal(s.Result)
		if err != nil {
			e.errors.Add(1)
			continue
		}
		m := message{topic: e.cfg.Topic + "/" + strings.ToLower(s.Source.String()), payload: b}
		if !e.q.TryPush(m) {
			if n := e.q.Dropped(); util.Every(n, 100) {
				e.log.WithField("dropped", n).Warn("publish queue full")
			}
		}
	}
}

func (e *MQTTEmitter) run() {
	defer e.wg.Done()
	for {
		m, ok := e.q.Pop()
		if !ok {
			return
		}
		token := e.pub.Publish(m.topic, e.cfg.QoS, false, m.payload)
		if !token.WaitTimeout(publishTimeout) {
			e.errors.Add(1)
			continue
		}
		if err := token.Error(); err != nil {
			if n := e.errors.Add(1); util.Every(n, 50) {
				e.log.WithError(err).Warn("publish failed")
			}
			continue
		}
		e.published.Add(1)
	}
}

func (e *MQTTEmitter) Stats() Stats {
	return Stats{
		Published: e.published.Load(),
		Dropped:   e.q.Dropped(),
		Errors:    e.errors.Load(),
	}
}

// Close stops publishing and disconnects. Queued messages are discarded.
func (e *MQTTEmitter) Close() {
	e.q.Close()
	e.wg.Wait()
	// also while still reconnecting, or the retry loop outlives the emitter
	if e.Client != nil {
		e.Client.Disconnect(250)
	}
}
