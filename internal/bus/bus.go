// Package bus adapts github.com/eclipse/paho.mqtt.golang into the
// narrow publish/subscribe/deliver interface the engine and its models
// depend on (§6), grounded in the teacher's mqtt_worker.go/mqtt_sender.go.
package bus

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Handler receives an inbound message's topic and raw payload.
type Handler func(topic string, payload []byte)

// Options configures a Client connection.
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string
}

// Client wraps a paho MQTT client with auto-reconnect and a single
// fan-out dispatcher for inbound messages.
type Client struct {
	mq mqtt.Client
	log *log.Logger

	mu       sync.Mutex
	handlers []Handler
}

// Connect dials the broker with auto-reconnect enabled, matching
// src/mqtt_worker.go's connection options, and blocks until the
// initial connect attempt resolves.
func Connect(opts Options) (*Client, error) {
	clientID := opts.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("solarflow-ctrl-%d", rand.Intn(100))
	}

	c := &Client{log: log.New(log.Writer(), "[bus] ", log.LstdFlags)}

	mqttOpts := mqtt.NewClientOptions()
	mqttOpts.AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Host, opts.Port))
	mqttOpts.SetClientID(clientID)
	if opts.Username != "" {
		mqttOpts.SetUsername(opts.Username)
		mqttOpts.SetPassword(opts.Password)
	}
	mqttOpts.SetAutoReconnect(true)
	mqttOpts.SetConnectRetryInterval(5 * time.Second)
	mqttOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.log.Printf("disconnected from broker: %v", err)
	})
	mqttOpts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.log.Printf("connected to broker")
	})
	mqttOpts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		c.dispatch(msg.Topic(), msg.Payload())
	})

	c.mq = mqtt.NewClient(mqttOpts)
	token := c.mq.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return c, nil
}

func (c *Client) dispatch(topic string, payload []byte) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(topic, payload)
	}
}

// OnMessage registers a handler invoked for every inbound message on
// any subscribed topic (the engine delegates to hub/inverter/smartmeter
// internally; this package does not route by topic).
func (c *Client) OnMessage(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Subscribe registers interest in topic (supports `+`/`#` wildcards).
func (c *Client) Subscribe(topic string) {
	token := c.mq.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		c.dispatch(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Printf("subscribe %s failed: %v", topic, err)
	}
}

// Publish sends payload to topic, optionally retained.
func (c *Client) Publish(topic string, payload []byte, retain bool) {
	token := c.mq.Publish(topic, 0, retain, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Printf("publish %s failed: %v", topic, err)
		}
	}()
}

// Disconnect cleanly closes the connection, waiting up to waitMs
// milliseconds for in-flight work to drain.
func (c *Client) Disconnect(waitMs uint) {
	c.mq.Disconnect(waitMs)
}
