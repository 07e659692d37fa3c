package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/jgoulah/watermeter/internal/config"
	"github.com/jgoulah/watermeter/pkg/models"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	defaultEntityPrefix = "sensor.watermeter"
	publishTimeout      = 5 * time.Second
)

// Capabilities written by PublishReading
var readingCapabilities = []string{"measure_water", "meter_water"}

// Publisher pushes device values to an MQTT broker and/or the Home Assistant
// states API. It satisfies poller.Sink.
type Publisher struct {
	client      mqtt.Client
	topicPrefix string
	haConfig    config.HAConfig
	http        *http.Client
	logger      *zap.Logger

	mu       sync.Mutex
	settings map[string]map[string]string // last settings per device, sent as attributes
}

// New creates a new publisher (supports both MQTT and HA HTTP API)
func New(cfg *config.Config, logger *zap.Logger) (*Publisher, error) {
	mqttCfg := cfg.MQTT
	haCfg := cfg.HomeAssistant

	// Validate HA config if enabled
	if haCfg.Enabled {
		if haCfg.URL == "" {
			return nil, fmt.Errorf("Home Assistant URL is required when enabled")
		}
		if haCfg.Token == "" {
			return nil, fmt.Errorf("Home Assistant token is required when enabled")
		}
	}

	var client mqtt.Client
	if mqttCfg.Enabled {
		if mqttCfg.Broker == "" {
			return nil, fmt.Errorf("MQTT broker address is required when enabled")
		}

		opts := mqtt.NewClientOptions()
		opts.AddBroker(fmt.Sprintf("tcp://%s", mqttCfg.Broker))
		opts.SetClientID(cfg.GetMQTTClientID())
		opts.SetAutoReconnect(true)
		opts.SetConnectRetry(true)
		opts.SetConnectTimeout(10 * time.Second)

		if mqttCfg.Username != "" {
			opts.SetUsername(mqttCfg.Username)
		}
		if mqttCfg.Password != "" {
			opts.SetPassword(mqttCfg.Password)
		}

		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			return nil, fmt.Errorf("connecting to MQTT broker: %w", token.Error())
		}
	}

	return newPublisher(client, cfg.GetTopicPrefix(), haCfg, logger), nil
}

func newPublisher(client mqtt.Client, topicPrefix string, haCfg config.HAConfig, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if haCfg.EntityPrefix == "" {
		haCfg.EntityPrefix = defaultEntityPrefix
	}
	haCfg.URL = strings.TrimRight(haCfg.URL, "/")
	return &Publisher{
		client:      client,
		topicPrefix: topicPrefix,
		haConfig:    haCfg,
		http:        &http.Client{Timeout: 10 * time.Second},
		logger:      logger.Named("publisher"),
		settings:    make(map[string]map[string]string),
	}
}

// Enabled reports whether any destination is configured
func (p *Publisher) Enabled() bool {
	return p.client != nil || p.haConfig.Enabled
}

// SetCapabilityValue publishes a capability value
func (p *Publisher) SetCapabilityValue(ctx context.Context, deviceID, capability string, value float64) error {
	state := strconv.FormatFloat(value, 'f', -1, 64)

	if err := p.publishMQTT(p.topic(deviceID, capability), state); err != nil {
		return err
	}
	if p.haConfig.Enabled {
		if err := p.postState(ctx, p.entityID(deviceID, capability), state, p.attributes(deviceID)); err != nil {
			return err
		}
	}
	return nil
}

// SetSettings publishes device metadata as a JSON attributes document
func (p *Publisher) SetSettings(ctx context.Context, deviceID string, settings map[string]string) error {
	p.mu.Lock()
	merged := make(map[string]string, len(settings))
	for k, v := range p.settings[deviceID] {
		merged[k] = v
	}
	for k, v := range settings {
		merged[k] = v
	}
	p.settings[deviceID] = merged
	p.mu.Unlock()

	if p.client == nil {
		return nil
	}
	body, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encoding attributes: %w", err)
	}
	return p.publishMQTT(p.topic(deviceID, "attributes"), string(body))
}

// SetAvailable publishes the online availability payload
func (p *Publisher) SetAvailable(ctx context.Context, deviceID string) error {
	return p.publishMQTT(p.topic(deviceID, "availability"), payloadOnline)
}

// SetUnavailable publishes the offline availability payload. The reason goes
// into the attributes document.
func (p *Publisher) SetUnavailable(ctx context.Context, deviceID, reason string) error {
	if err := p.SetSettings(ctx, deviceID, map[string]string{"unavailable_reason": reason}); err != nil {
		return err
	}
	return p.publishMQTT(p.topic(deviceID, "availability"), payloadOffline)
}

// PublishReading sends a stored reading the same way a refresh does
func (p *Publisher) PublishReading(ctx context.Context, r models.Reading) error {
	value := math.Abs(r.Value)
	if err := p.SetSettings(ctx, r.DeviceID, map[string]string{
		"last_period":    r.PeriodStart,
		"current_period": r.PeriodEnd,
	}); err != nil {
		return err
	}
	for _, capability := range readingCapabilities {
		if err := p.SetCapabilityValue(ctx, r.DeviceID, capability, value); err != nil {
			return err
		}
	}
	return nil
}

// Close disconnects from the MQTT broker
func (p *Publisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

func (p *Publisher) topic(deviceID, leaf string) string {
	return p.topicPrefix + "/" + deviceID + "/" + leaf
}

func (p *Publisher) publishMQTT(topic, payload string) error {
	if p.client == nil {
		return nil
	}
	token := p.client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publishing to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	p.logger.Debug("published", zap.String("topic", topic), zap.String("payload", payload))
	return nil
}

// entityID builds e.g. sensor.watermeter_3f2a91c0_meter_water
func (p *Publisher) entityID(deviceID, capability string) string {
	short := strings.ReplaceAll(deviceID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s_%s_%s", p.haConfig.EntityPrefix, strings.ToLower(short), capability)
}

func (p *Publisher) attributes(deviceID string) map[string]string {
	attrs := map[string]string{
		"device_class":        "water",
		"unit_of_measurement": "m³",
		"device_id":           deviceID,
	}
	p.mu.Lock()
	for k, v := range p.settings[deviceID] {
		attrs[k] = v
	}
	p.mu.Unlock()
	return attrs
}

// HAState matches the Home Assistant states API request body
type HAState struct {
	State      string            `json:"state"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (p *Publisher) postState(ctx context.Context, entityID, state string, attrs map[string]string) error {
	apiURL := fmt.Sprintf("%s/api/states/%s", p.haConfig.URL, entityID)

	body, err := json.Marshal(HAState{State: state, Attributes: attrs})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.haConfig.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	defer resp.Body.Close()

	// 200 updates an existing entity, 201 creates it
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("HTTP error: status %d, response: %s", resp.StatusCode, string(respBody))
	}

	p.logger.Debug("posted state", zap.String("entity_id", entityID), zap.String("state", state))
	return nil
}
