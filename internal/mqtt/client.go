package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/flybeeper/track-recorder/internal/config"
	"github.com/flybeeper/track-recorder/internal/metrics"
	"github.com/flybeeper/track-recorder/pkg/utils"
)

// Client MQTT клиент для получения фиксов от провайдера локации
type Client struct {
	client    mqtt.Client
	config    *config.MQTTConfig
	logger    *utils.Logger
	parser    *Parser
	handler   MessageHandler
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	mu        sync.RWMutex
}

// MessageHandler функция обработки входящих сообщений
type MessageHandler func(msg *Message) error

// NewClient создает новый MQTT клиент
func NewClient(cfg *config.MQTTConfig, logger *utils.Logger, handler MessageHandler) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		config:  cfg,
		logger:  logger,
		parser:  NewParser(cfg.TopicPrefix, logger),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	// Настройка MQTT клиента
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetOrderMatters(cfg.OrderMatters)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	// Callback при подключении (в том числе после переподключения)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.setConnected(true)
		c.logger.WithField("broker", cfg.URL).Info("Connected to MQTT broker")

		topic := c.parser.SubscriptionTopic()
		if token := client.Subscribe(topic, 1, c.messageHandler()); token.Wait() && token.Error() != nil {
			c.logger.WithFields(map[string]interface{}{
				"topic": topic,
				"error": token.Error(),
			}).Error("Failed to subscribe to topic")
		} else {
			c.logger.WithField("topic", topic).Info("Subscribed to MQTT topic")
		}
	})

	// Callback при потере соединения
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.setConnected(false)
		c.logger.WithField("error", err).Warn("Lost connection to MQTT broker")
	})

	c.client = mqtt.NewClient(opts)

	return c, nil
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
	metrics.MQTTConnectionStatus.Set(metrics.BoolGauge(connected))
}

// Connect подключается к MQTT брокеру
func (c *Client) Connect() error {
	c.logger.WithField("broker", c.config.URL).Info("Connecting to MQTT broker")

	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	// Ждем подтверждения подключения
	timeout := time.After(10 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return fmt.Errorf("connection timeout")
		case <-ticker.C:
			if c.IsConnected() {
				return nil
			}
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
}

// Disconnect отключается от MQTT брокера
func (c *Client) Disconnect() {
	c.logger.Info("Disconnecting from MQTT broker")

	c.cancel()

	if c.client.IsConnected() {
		c.client.Disconnect(1000) // 1 секунда на graceful disconnect
	}

	c.setConnected(false)
	c.logger.Info("MQTT client disconnected")
}

// IsConnected проверяет статус подключения
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// messageHandler создает обработчик MQTT сообщений.
// Сообщения обрабатываются синхронно в порядке доставки: порядок фиксов сохраняется.
func (c *Client) messageHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		c.handleMessage(msg.Topic(), msg.Payload())
	}
}

func (c *Client) handleMessage(topic string, payload []byte) {
	c.logger.WithFields(map[string]interface{}{
		"topic":        topic,
		"payload_size": len(payload),
	}).Debug("Received MQTT message")

	parsed, err := c.parser.Parse(topic, payload)
	if err != nil {
		c.logger.WithFields(map[string]interface{}{
			"topic":        topic,
			"error":        err,
			"payload_size": len(payload),
		}).Warn("Failed to parse location message")
		metrics.MQTTParseErrors.Inc()
		return
	}

	if parsed == nil {
		return
	}

	metrics.MQTTMessagesReceived.WithLabelValues(string(parsed.Kind)).Inc()

	if c.handler == nil {
		c.logger.WithField("topic", topic).Warn("Message handler is nil")
		return
	}

	if err := c.handler(parsed); err != nil {
		c.logger.WithFields(map[string]interface{}{
			"topic":     topic,
			"kind":      parsed.Kind,
			"device_id": parsed.DeviceID,
			"error":     err,
		}).Error("Message handler failed")
	}
}

// GetStats возвращает статистику клиента
func (c *Client) GetStats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"connected":     c.connected,
		"client_id":     c.config.ClientID,
		"broker_url":    c.config.URL,
		"topic":         c.parser.SubscriptionTopic(),
		"clean_session": c.config.CleanSession,
	}
}

// PublishMessage отправляет сообщение в MQTT топик (для отладки)
func (c *Client) PublishMessage(topic string, payload []byte, qos byte, retained bool) error {
	if !c.IsConnected() {
		return fmt.Errorf("MQTT client is not connected")
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish message: %w", token.Error())
	}

	c.logger.WithFields(map[string]interface{}{
		"topic":        topic,
		"payload_size": len(payload),
		"qos":          qos,
		"retained":     retained,
	}).Debug("Published MQTT message")

	return nil
}
