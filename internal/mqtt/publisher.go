package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"solarmax-monitor/internal/inverter"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const discoveryPrefix = "homeassistant"

type Publisher struct {
	client      mqtt.Client
	topicPrefix string
	device      string
	enabled     bool
	logger      *zap.Logger
}

type PublisherConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Device      string
	Enabled     bool
}

func NewPublisher(cfg PublisherConfig, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("mqtt")

	if !cfg.Enabled {
		return &Publisher{enabled: false, logger: logger}, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			logger.Warn("connection lost", zap.Error(err))
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			logger.Info("connected", zap.String("broker", cfg.Broker))
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &Publisher{
		client:      client,
		topicPrefix: cfg.TopicPrefix,
		device:      deviceSlug(cfg.Device),
		enabled:     true,
		logger:      logger,
	}, nil
}

func deviceSlug(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "solarmax"
	}
	return strings.NewReplacer(" ", "_", "/", "_", "+", "_", "#", "_").Replace(name)
}

func stateTopic(prefix, device, key string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, device, key)
}

// Publish sends each snapshot entry to its own topic and the whole
// snapshot as retained JSON on <prefix>/<device>/status.
func (p *Publisher) Publish(snapshot map[string]any) error {
	if !p.enabled {
		return nil
	}

	for key, value := range snapshot {
		topic := stateTopic(p.topicPrefix, p.device, key)
		token := p.client.Publish(topic, 0, false, fmt.Sprintf("%v", value))
		token.Wait()
		if token.Error() != nil {
			p.logger.Warn("publish failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}

	statusJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	token := p.client.Publish(stateTopic(p.topicPrefix, p.device, "status"), 0, true, statusJSON)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish status: %w", token.Error())
	}

	return nil
}

func discoveryConfig(prefix, device string, f inverter.Field, info *inverter.DeviceInfo) map[string]interface{} {
	deviceBlock := map[string]interface{}{
		"identifiers":  []string{"solarmax_" + device},
		"name":         "SolarMax " + device,
		"manufacturer": "SolarMax",
		"model":        "SolarMax",
	}
	if info != nil {
		deviceBlock["model"] = info.Model
		if info.SerialNumber != "" {
			deviceBlock["serial_number"] = info.SerialNumber
		}
	}

	config := map[string]interface{}{
		"name":        f.Name,
		"unique_id":   fmt.Sprintf("%s_%s", device, f.Key),
		"state_topic": stateTopic(prefix, device, f.Key),
		"device":      deviceBlock,
	}
	if f.Icon != "" {
		config["icon"] = f.Icon
	}
	if f.Unit != "" {
		config["unit_of_measurement"] = f.Unit
	}
	if f.DeviceClass != "" {
		config["device_class"] = f.DeviceClass
	}
	if f.StateClass != "" {
		config["state_class"] = f.StateClass
	}
	return config
}

// PublishHomeAssistantDiscovery announces one sensor per layout field.
func (p *Publisher) PublishHomeAssistantDiscovery(layout inverter.Layout, info *inverter.DeviceInfo) error {
	if !p.enabled {
		return nil
	}

	for _, f := range layout {
		topic := fmt.Sprintf("%s/sensor/solarmax_%s/%s/config", discoveryPrefix, p.device, f.Key)
		payload, err := json.Marshal(discoveryConfig(p.topicPrefix, p.device, f, info))
		if err != nil {
			return fmt.Errorf("failed to marshal discovery for %s: %w", f.Key, err)
		}
		token := p.client.Publish(topic, 0, true, payload)
		token.Wait()
		if token.Error() != nil {
			return fmt.Errorf("failed to publish discovery for %s: %w", f.Key, token.Error())
		}
	}

	return nil
}

func (p *Publisher) IsConnected() bool {
	if !p.enabled {
		return false
	}
	return p.client.IsConnected()
}

func (p *Publisher) Close() {
	if p.enabled && p.client != nil {
		p.client.Disconnect(1000)
	}
}
