package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/flybeeper/track-recorder/internal/config"
	"github.com/flybeeper/track-recorder/internal/metrics"
	"github.com/flybeeper/track-recorder/pkg/utils"
)

// Prober проверяет доступность основного хранилища
type Prober interface {
	Ping(ctx context.Context) error
}

// ProberFunc адаптер функции к Prober
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Ping(ctx context.Context) error { return f(ctx) }

// Monitor хранит текущее состояние связи и рассылает его изменения подписчикам.
// Новый подписчик сразу получает текущее значение, дальше только переходы.
// Медленный подписчик видит последнее значение: промежуточные перезаписываются.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *utils.Logger

	mu          sync.RWMutex
	reachable   bool
	subscribers map[int]chan bool
	nextID      int
	lastChange  time.Time
	reconnects  uint64
}

// NewMonitor создает монитор. До первой проверки хранилище считается недоступным.
func NewMonitor(prober Prober, cfg config.ConnectivityConfig, logger *utils.Logger) *Monitor {
	metrics.ConnectivityStatus.Set(0)
	return &Monitor{
		prober:      prober,
		interval:    cfg.ProbeInterval,
		timeout:     cfg.ProbeTimeout,
		logger:      logger,
		subscribers: make(map[int]chan bool),
	}
}

// Current возвращает последнее известное состояние
func (m *Monitor) Current() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reachable
}

// LastChange возвращает время последнего перехода
func (m *Monitor) LastChange() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastChange
}

// Reconnects возвращает число переходов в доступное состояние.
// Рост счетчика виден, даже если промежуточные значения канала перезаписаны.
func (m *Monitor) Reconnects() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reconnects
}

// Subscribe возвращает канал состояний и функцию отписки.
// Канал закрывается при отписке.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	ch <- m.reachable
	m.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if sub, ok := m.subscribers[id]; ok {
				delete(m.subscribers, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Set устанавливает состояние. Подписчики уведомляются только при изменении.
func (m *Monitor) Set(reachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reachable == reachable && !m.lastChange.IsZero() {
		return
	}
	changed := m.reachable != reachable
	m.reachable = reachable
	m.lastChange = time.Now()

	metrics.ConnectivityStatus.Set(metrics.BoolGauge(reachable))
	if !changed {
		return
	}

	if reachable {
		m.reconnects++
		metrics.ConnectivityTransitions.WithLabelValues("reachable").Inc()
		m.logger.Info("Primary store became reachable")
	} else {
		metrics.ConnectivityTransitions.WithLabelValues("unreachable").Inc()
		m.logger.Warn("Primary store became unreachable")
	}

	for _, ch := range m.subscribers {
		select {
		case ch <- reachable:
		default:
			// Подписчик не успел прочитать прошлое значение: заменяем его
			select {
			case <-ch:
			default:
			}
			ch <- reachable
		}
	}
}

// Check выполняет одну проверку с таймаутом и обновляет состояние
func (m *Monitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Ping(probeCtx)
	if err != nil && ctx.Err() != nil {
		// Остановка приложения не означает потерю связи
		return m.Current()
	}
	if err != nil {
		m.logger.WithField("error", err).Debug("Connectivity probe failed")
	}
	m.Set(err == nil)
	return err == nil
}

// Run периодически проверяет хранилище до отмены контекста. Можно запускать повторно.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.WithField("interval", m.interval).Info("Starting connectivity monitor")

	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Connectivity monitor stopped")
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
