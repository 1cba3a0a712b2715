package fetcher

import (
	"context"
	"sync"

	"receipt_harvester/internal/errs"
	"receipt_harvester/internal/models"
)

// Driver performs the authenticated download behind an invoice link.
type Driver interface {
	Download(ctx context.Context, link string) (models.Receipt, error)
	Close() error
}

// Opener starts a driver.
type Opener func() (Driver, error)

// Session mints download handles bound to one driver. The driver is started
// by the first handle that fetches, so a run with nothing to download never
// starts one. Handles stop working once the session is closed.
type Session struct {
	mu     sync.Mutex
	open   Opener
	driver Driver
	err    error
	closed bool
}

func NewSession(driver Driver) *Session {
	return &Session{driver: driver}
}

// NewLazySession defers open until a handle needs the driver. A failed start
// is remembered and returned to every later fetch, marked errs.ErrDriver.
func NewLazySession(open Opener) *Session {
	return &Session{open: open}
}

func (s *Session) Bind(link string) models.Fetchable {
	return &handle{session: s, link: link}
}

// Started reports whether the driver is running.
func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver != nil
}

func (s *Session) acquire() (Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, models.ErrSessionClosed
	}
	if s.driver == nil && s.err == nil {
		driver, err := s.open()
		if err != nil {
			s.err = errs.Driver(err, "start driver")
			return nil, s.err
		}
		s.driver = driver
	}
	return s.driver, s.err
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.driver == nil {
		return nil
	}
	return s.driver.Close()
}

type handle struct {
	session *Session
	link    string
}

func (h *handle) Fetch(ctx context.Context) (models.Receipt, error) {
	driver, err := h.session.acquire()
	if err != nil {
		return models.Receipt{}, err
	}
	return driver.Download(ctx, h.link)
}
