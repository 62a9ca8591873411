package service

import (
	"sync"
)

// TrackLocks сериализует запись полей трека (дистанция, завершение)
// между сессией записи и синхронизацией
type TrackLocks struct {
	mu    sync.Mutex
	locks map[string]*trackLock
}

type trackLock struct {
	mu   sync.Mutex
	refs int
}

// NewTrackLocks создает набор блокировок
func NewTrackLocks() *TrackLocks {
	return &TrackLocks{locks: make(map[string]*trackLock)}
}

// Lock захватывает блокировку трека и возвращает функцию освобождения
func (l *TrackLocks) Lock(trackID string) func() {
	l.mu.Lock()
	lock, ok := l.locks[trackID]
	if !ok {
		lock = &trackLock{}
		l.locks[trackID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, trackID)
		}
		l.mu.Unlock()
	}
}

// size количество треков с активными блокировками
func (l *TrackLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
