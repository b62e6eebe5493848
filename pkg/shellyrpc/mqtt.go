package shellyrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MQTTConfig describes how to reach the device over a broker.
type MQTTConfig struct {
	Broker   string
	Username string
	Password string
	// TopicPrefix is the device's MQTT prefix; requests go to <prefix>/rpc.
	TopicPrefix string
}

// MQTTTransport publishes request frames to <prefix>/rpc and receives
// responses on <src>/rpc, where src is unique per process.
type MQTTTransport struct {
	client   mqtt.Client
	reqTopic string
	src      string
	log      zerolog.Logger

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan Response
}

// DialMQTT connects to the broker and subscribes to the response topic.
func DialMQTT(ctx context.Context, cfg MQTTConfig, log zerolog.Logger) (*MQTTTransport, error) {
	prefix := strings.Trim(strings.TrimSpace(cfg.TopicPrefix), "/")
	if prefix == "" {
		return nil, errors.New("mqtt topic prefix is required")
	}
	src := DefaultSource + "-" + uuid.NewString()
	t := &MQTTTransport{
		reqTopic: prefix + "/rpc",
		src:      src,
		log:      log.With().Str("component", "shelly-mqtt").Logger(),
		pending:  make(map[int64]chan Response),
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(src).
		SetAutoReconnect(true).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	t.client = mqtt.NewClient(opts)
	if err := waitToken(ctx, t.client.Connect()); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Broker, err)
	}
	if err := waitToken(ctx, t.client.Subscribe(src+"/rpc", 1, t.onMessage)); err != nil {
		t.client.Disconnect(250)
		return nil, fmt.Errorf("subscribe %s/rpc: %w", src, err)
	}
	t.log.Debug().Str("broker", cfg.Broker).Str("topic", t.reqTopic).Msg("mqtt connected")
	return t, nil
}

func (t *MQTTTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	ch := make(chan Response, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	data, err := json.Marshal(Request{ID: id, Src: t.src, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if err := waitToken(ctx, t.client.Publish(t.reqTopic, 1, false, data)); err != nil {
		return nil, fmt.Errorf("%s: publish: %w", method, err)
	}
	select {
	case resp := <-ch:
		return resp.unwrap()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *MQTTTransport) Close() error {
	t.client.Disconnect(250)
	return nil
}

func (t *MQTTTransport) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var resp Response
	if err := json.Unmarshal(msg.Payload(), &resp); err != nil {
		t.log.Debug().Err(err).Str("topic", msg.Topic()).Msg("ignoring malformed frame")
		return
	}
	t.mu.Lock()
	if ch := t.pending[resp.ID]; ch != nil {
		select {
		case ch <- resp:
		default:
		}
	}
	t.mu.Unlock()
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("mqtt operation timed out")
	}
}
