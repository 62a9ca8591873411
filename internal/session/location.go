package session

import (
	"errors"
	"sync"
	"time"

	"github.com/flybeeper/track-recorder/internal/models"
)

// ErrLocationUnavailable провайдер локации недоступен (нет разрешения, GPS выключен)
var ErrLocationUnavailable = errors.New("location unavailable")

// LocationSource состояние провайдера локации
type LocationSource interface {
	// Availability возвращает nil, если провайдер может выдавать фиксы
	Availability() error
	// LastKnownFix возвращает последний известный фикс, если он достаточно свежий
	LastKnownFix() (*models.Fix, bool)
}

// LocationTracker запоминает последнее состояние провайдера по входящему потоку.
// Ingest-адаптеры (MQTT, HTTP) вызывают Observe и SetAvailable.
type LocationTracker struct {
	mu        sync.RWMutex
	last      *models.Fix
	seenAt    time.Time
	available bool
	reason    string
	maxAge    time.Duration
	now       func() time.Time
}

// NewLocationTracker создает трекер. Фикс старше maxAge не считается last-known.
func NewLocationTracker(maxAge time.Duration) *LocationTracker {
	return &LocationTracker{
		available: true,
		maxAge:    maxAge,
		now:       time.Now,
	}
}

// Observe запоминает фикс как последний известный. Некорректные фиксы игнорируются.
func (t *LocationTracker) Observe(fix models.Fix) {
	if fix.Validate() != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last != nil && fix.Timestamp.Before(t.last.Timestamp) {
		return
	}
	f := fix
	t.last = &f
	t.seenAt = t.now()
}

// SetAvailable обновляет доступность провайдера. reason попадает в ошибку Availability.
func (t *LocationTracker) SetAvailable(available bool, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.available = available
	t.reason = reason
}

func (t *LocationTracker) Availability() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.available {
		return nil
	}
	if t.reason == "" {
		return ErrLocationUnavailable
	}
	return &unavailableError{reason: t.reason}
}

func (t *LocationTracker) LastKnownFix() (*models.Fix, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.last == nil {
		return nil, false
	}
	if t.maxAge > 0 && t.now().Sub(t.seenAt) > t.maxAge {
		return nil, false
	}
	f := *t.last
	return &f, true
}

type unavailableError struct {
	reason string
}

func (e *unavailableError) Error() string {
	return ErrLocationUnavailable.Error() + ": " + e.reason
}

func (e *unavailableError) Unwrap() error {
	return ErrLocationUnavailable
}
