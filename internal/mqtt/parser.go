package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flybeeper/track-recorder/internal/models"
	"github.com/flybeeper/track-recorder/pkg/utils"
)

// MessageKind тип сообщения провайдера локации (последний сегмент топика)
type MessageKind string

const (
	KindFix    MessageKind = "fix"
	KindStatus MessageKind = "status"

	// KindInterval запрос интервала фиксов, публикует сам сервис
	KindInterval MessageKind = "interval"
)

// Message распарсенное сообщение провайдера локации
type Message struct {
	Kind     MessageKind     `json:"kind"`
	DeviceID string          `json:"device_id"` // Из топика
	Fix      *models.Fix     `json:"fix,omitempty"`
	Status   *ProviderStatus `json:"status,omitempty"`
}

// ProviderStatus доступность провайдера (разрешение на локацию, состояние GPS)
type ProviderStatus struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// fixPayload JSON фикса: {"lat":46.1,"lon":8.2,"accuracy":4.5,"timestamp":1717236000000}
type fixPayload struct {
	Latitude  *float64 `json:"lat"`
	Longitude *float64 `json:"lon"`
	Altitude  *float64 `json:"alt"`
	Speed     *float64 `json:"speed"`    // м/с
	Bearing   *float64 `json:"bearing"`  // градусы
	Accuracy  *float64 `json:"accuracy"` // метры
	Timestamp int64    `json:"timestamp"` // Unix миллисекунды
}

// Parser парсер сообщений провайдера локации
type Parser struct {
	prefix string
	logger *utils.Logger
}

// NewParser создает парсер для топиков {prefix}/{device_id}/{kind}
func NewParser(prefix string, logger *utils.Logger) *Parser {
	return &Parser{
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// SubscriptionTopic топик подписки на все устройства и типы сообщений
func (p *Parser) SubscriptionTopic() string {
	return p.prefix + "/+/+"
}

// Parse парсит MQTT сообщение. Неподдерживаемый тип возвращает nil, nil.
func (p *Parser) Parse(topic string, payload []byte) (*Message, error) {
	// {prefix}/{device_id}/{kind}
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != p.prefix || parts[1] == "" {
		return nil, fmt.Errorf("invalid topic format: %s", topic)
	}

	msg := &Message{
		Kind:     MessageKind(parts[2]),
		DeviceID: parts[1],
	}

	switch msg.Kind {
	case KindFix:
		fix, err := parseFix(payload)
		if err != nil {
			return nil, err
		}
		fix.DeviceID = msg.DeviceID
		msg.Fix = fix

	case KindStatus:
		var status ProviderStatus
		if err := json.Unmarshal(payload, &status); err != nil {
			return nil, fmt.Errorf("invalid status payload: %w", err)
		}
		msg.Status = &status

	default:
		p.logger.WithField("kind", parts[2]).WithField("device_id", msg.DeviceID).Debug("Unsupported message kind")
		return nil, nil
	}

	return msg, nil
}

// parseFix разбирает JSON фикса. Семантическая проверка (точность, нулевые координаты)
// остается политике записи: здесь отсекается только то, что нельзя представить фиксом.
func parseFix(payload []byte) (*models.Fix, error) {
	var raw fixPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("invalid fix payload: %w", err)
	}

	if raw.Latitude == nil || raw.Longitude == nil {
		return nil, fmt.Errorf("fix payload without coordinates")
	}
	if raw.Timestamp <= 0 {
		return nil, fmt.Errorf("fix payload without timestamp")
	}

	fix := &models.Fix{
		Latitude:  *raw.Latitude,
		Longitude: *raw.Longitude,
		Altitude:  raw.Altitude,
		Speed:     raw.Speed,
		Bearing:   raw.Bearing,
		Accuracy:  raw.Accuracy,
		Timestamp: time.UnixMilli(raw.Timestamp).UTC(),
	}
	return fix, nil
}

// EncodeFix кодирует фикс в формат MQTT (используется публикатором и тестами)
func EncodeFix(fix models.Fix) ([]byte, error) {
	lat, lon := fix.Latitude, fix.Longitude
	return json.Marshal(fixPayload{
		Latitude:  &lat,
		Longitude: &lon,
		Altitude:  fix.Altitude,
		Speed:     fix.Speed,
		Bearing:   fix.Bearing,
		Accuracy:  fix.Accuracy,
		Timestamp: fix.Timestamp.UnixMilli(),
	})
}

// FixTopic топик фиксов устройства
func FixTopic(prefix, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", strings.Trim(prefix, "/"), deviceID, KindFix)
}

// StatusTopic топик статуса провайдера устройства
func StatusTopic(prefix, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", strings.Trim(prefix, "/"), deviceID, KindStatus)
}

// IntervalTopic топик запроса интервала для провайдеров
func IntervalTopic(prefix string) string {
	return fmt.Sprintf("%s/recorder/%s", strings.Trim(prefix, "/"), KindInterval)
}

// EncodeInterval сериализует запрос интервала фиксов
func EncodeInterval(intervalMs int64) ([]byte, error) {
	return json.Marshal(map[string]int64{"interval_ms": intervalMs})
}
