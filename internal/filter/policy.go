package filter

import (
	"fmt"

	"github.com/flybeeper/track-recorder/internal/geo"
	"github.com/flybeeper/track-recorder/internal/models"
	"github.com/flybeeper/track-recorder/internal/settings"
)

// RejectReason причина отклонения фикса
type RejectReason string

const (
	ReasonNone        RejectReason = ""
	ReasonInvalid     RejectReason = "invalid"
	ReasonAccuracy    RejectReason = "accuracy"
	ReasonStale       RejectReason = "stale"
	ReasonMinDistance RejectReason = "min_distance"
)

// Decision результат оценки фикса политикой записи
type Decision struct {
	Accepted bool
	Reason   RejectReason
	// Distance расстояние до последнего принятого фикса в метрах, 0 если его нет
	Distance float64
	Detail   string
}

// Accept принятое решение
func Accept(distance float64) Decision {
	return Decision{Accepted: true, Distance: distance}
}

// Reject отклонение с причиной
func Reject(reason RejectReason, distance float64, detail string) Decision {
	return Decision{Reason: reason, Distance: distance, Detail: detail}
}

// Policy политика записи. Не имеет состояния: одинаковые входы дают одинаковое решение.
type Policy struct{}

// NewPolicy создает политику записи
func NewPolicy() Policy {
	return Policy{}
}

// Evaluate решает, станет ли фикс точкой трека.
// Порядок правил: структурная корректность, точность, порядок времени, минимальная дистанция.
func (Policy) Evaluate(fix models.Fix, last *models.Fix, cfg settings.Settings) Decision {
	// 1. Структурно некорректный фикс
	if err := fix.Validate(); err != nil {
		return Reject(ReasonInvalid, 0, err.Error())
	}

	// 2. Точность хуже порога
	if *fix.Accuracy > cfg.AccuracyThresholdMeters {
		return Reject(ReasonAccuracy, 0,
			fmt.Sprintf("accuracy %.1fm > threshold %.1fm", *fix.Accuracy, cfg.AccuracyThresholdMeters))
	}

	if last == nil {
		return Accept(0)
	}

	// Точки трека идут в неубывающем порядке времени
	if fix.Timestamp.Before(last.Timestamp) {
		return Reject(ReasonStale, 0,
			fmt.Sprintf("timestamp %s before last accepted %s", fix.Timestamp.Format("15:04:05.000"), last.Timestamp.Format("15:04:05.000")))
	}

	// 3. Слишком близко к последнему принятому фиксу
	distance := geo.Distance(last.Position(), fix.Position())
	if distance < cfg.MinDistanceMeters {
		return Reject(ReasonMinDistance, distance,
			fmt.Sprintf("distance %.1fm < min %.1fm", distance, cfg.MinDistanceMeters))
	}

	return Accept(distance)
}
