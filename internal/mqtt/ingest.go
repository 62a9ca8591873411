package mqtt

import (
	"github.com/flybeeper/track-recorder/internal/models"
	"github.com/flybeeper/track-recorder/internal/session"
)

// SourceMQTT метка источника фиксов
const SourceMQTT = "mqtt"

// FixSink принимает фиксы без блокировки продюсера
type FixSink interface {
	Submit(source string, fix models.Fix) bool
}

// NewIngestHandler передает фиксы в сессию записи, а статус провайдера в трекер локации
func NewIngestHandler(sink FixSink, location *session.LocationTracker) MessageHandler {
	return func(msg *Message) error {
		switch msg.Kind {
		case KindFix:
			location.Observe(*msg.Fix)
			sink.Submit(SourceMQTT, *msg.Fix)
		case KindStatus:
			location.SetAvailable(msg.Status.Available, msg.Status.Reason)
		}
		return nil
	}
}
