package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/flybeeper/track-recorder/internal/geo"
	"github.com/flybeeper/track-recorder/internal/metrics"
	"github.com/flybeeper/track-recorder/internal/models"
	"github.com/flybeeper/track-recorder/pkg/utils"
)

// Notifier получатель снимков состояния сессии записи
type Notifier interface {
	Notify(ctx context.Context, status models.SessionStatus) error
}

// Func адаптер функции к Notifier
type Func func(ctx context.Context, status models.SessionStatus) error

func (f Func) Notify(ctx context.Context, status models.SessionStatus) error { return f(ctx, status) }

// Sink именованный получатель
type Sink struct {
	Name     string
	Notifier Notifier
}

// Multi рассылает снимок всем получателям. Ошибка одного не мешает остальным.
type Multi struct {
	sinks  []Sink
	logger *utils.Logger
}

// NewMulti создает рассылку по получателям
func NewMulti(logger *utils.Logger, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, logger: logger}
}

// Add добавляет получателя
func (m *Multi) Add(name string, n Notifier) {
	m.sinks = append(m.sinks, Sink{Name: name, Notifier: n})
}

func (m *Multi) Notify(ctx context.Context, status models.SessionStatus) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Notifier.Notify(ctx, status); err != nil {
			metrics.NotificationErrors.WithLabelValues(sink.Name).Inc()
			m.logger.WithField("sink", sink.Name).WithField("error", err).Warn("Session notification failed")
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Throttled ограничивает частоту уведомлений о прогрессе.
// Смена состояния или паузы проходит всегда.
type Throttled struct {
	next    Notifier
	limiter *rate.Limiter

	mu     sync.Mutex
	last   models.SessionStatus
	primed bool
}

// NewThrottled создает ограничитель: не больше одного уведомления о прогрессе за interval
func NewThrottled(next Notifier, limit rate.Limit) *Throttled {
	return &Throttled{
		next:    next,
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (t *Throttled) Notify(ctx context.Context, status models.SessionStatus) error {
	t.mu.Lock()
	changed := !t.primed || status.State != t.last.State || status.Paused != t.last.Paused || status.TrackID != t.last.TrackID
	allowed := t.limiter.Allow()
	if !changed && !allowed {
		t.mu.Unlock()
		return nil
	}
	t.last = status
	t.primed = true
	t.mu.Unlock()

	return t.next.Notify(ctx, status)
}

// LogNotifier пишет смену состояния в лог
type LogNotifier struct {
	logger *utils.Logger

	mu   sync.Mutex
	last models.SessionState
}

// NewLogNotifier создает получателя для лога
func NewLogNotifier(logger *utils.Logger) *LogNotifier {
	return &LogNotifier{logger: logger, last: models.SessionIdle}
}

func (l *LogNotifier) Notify(ctx context.Context, status models.SessionStatus) error {
	l.mu.Lock()
	changed := status.State != l.last
	l.last = status.State
	l.mu.Unlock()

	logger := l.logger.WithFields(map[string]interface{}{
		"state":    status.State,
		"track_id": status.TrackID,
		"distance": geo.FormatDistance(status.Distance),
		"elapsed":  status.Elapsed,
		"points":   status.AcceptedPoints,
		"buffered": status.BufferedPoints,
		"online":   status.Online,
	})
	if changed {
		logger.Info("Session state changed")
	} else {
		logger.Debug("Session progress")
	}
	return nil
}
