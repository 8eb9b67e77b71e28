package cloudstore

import (
	"time"

	"github.com/23skdu/cloudsync/internal/metrics"
	"github.com/23skdu/cloudsync/internal/remote"
)

// EventKind names a session lifecycle event.
type EventKind string

const (
	EventAccountReady       EventKind = "account-ready"
	EventAccountUnavailable EventKind = "account-unavailable"
	EventImportStarted      EventKind = "import-started"
	EventImportFinished     EventKind = "import-finished"
	EventImportFailed       EventKind = "import-failed"
)

// Event is published on the channel returned by Store.Events.
type Event struct {
	Kind    EventKind
	Account remote.AccountStatus
	// Err is set for account-unavailable and import-failed.
	Err error
	At  time.Time
}

const eventBuffer = 32

// emit publishes ev without blocking; events are dropped when nobody reads.
func (s *Store) emit(ev Event) {
	ev.At = time.Now()
	metrics.SessionEventsTotal.WithLabelValues(string(ev.Kind)).Inc()

	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.evClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn().Str("event", string(ev.Kind)).Msg("Event buffer full, dropping event")
	}

	log := s.logger.Info()
	if ev.Err != nil {
		log = s.logger.Warn().Err(ev.Err)
	}
	log.Str("event", string(ev.Kind)).Str("account", ev.Account.String()).Msg("Session event")
}

// Events returns the lifecycle event stream. It is closed by Close.
func (s *Store) Events() <-chan Event {
	return s.events
}

func (s *Store) closeEvents() {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if !s.evClosed {
		s.evClosed = true
		close(s.events)
	}
}
