package ftpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/corewind/ftpserver/log"
)

// ErrReservationConflict is returned when consume is called for a port that isn't
// currently reserved. Releasing such a port is a no-op and returns nothing.
var ErrReservationConflict = errors.New("no such passive port reservation")

// reservation is one passive-mode listening socket, either freshly opened (on-demand mode)
// or checked out of the idle pool (pooled mode). exposedPort is what PASV/EPSV advertise;
// port is what the socket is actually bound to. They differ behind NAT port mappings.
type reservation struct {
	port        int
	exposedPort int
	listener    net.Listener
	tcpListener *net.TCPListener
	reservedAt  time.Time
	consumed    bool
}

// switchboard hands out passive-mode listening sockets. In on-demand mode every
// reservation is a fresh bind, closed as soon as the transfer finishes. In pooled mode the
// whole range is bound up front and released listeners return to an idle pool instead of
// being torn down, trading startup cost for lower per-transfer latency. A scavenger
// reclaims reservations that are never consumed (the client vanished between PASV and the
// data-connection dial).
type switchboard struct {
	mode      ListenerMode
	portRange PasvPortGetter
	ttl       time.Duration
	logger    log.Logger

	mu           sync.Mutex
	reservations map[int]*reservation
	idle         []*reservation
}

func newSwitchboard(mode ListenerMode, portRange PasvPortGetter, ttl time.Duration, logger log.Logger) *switchboard {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}

	return &switchboard{
		mode:         mode,
		portRange:    portRange,
		ttl:          ttl,
		logger:       logger,
		reservations: make(map[int]*reservation),
	}
}

// prebind fills the idle pool by binding as much of the port range as possible. Only used
// in pooled mode; ports already taken by other processes are skipped.
func (s *switchboard) prebind() {
	if s.mode != ListenerModePooled || s.portRange == nil {
		return
	}

	bound := make(map[int]bool)

	for i := 0; i < s.portRange.NumberAttempts(); i++ {
		exposedPort, listenedPort, ok := s.portRange.FetchNext()
		if !ok || bound[listenedPort] {
			continue
		}

		r, err := bindReservation(exposedPort, listenedPort)
		if err != nil {
			continue
		}

		bound[listenedPort] = true

		s.mu.Lock()
		s.idle = append(s.idle, r)
		s.mu.Unlock()
	}

	s.logger.Info("Pooled passive listeners ready", "count", len(bound))
}

// reserve hands out a listening socket, either reused from the idle pool (pooled mode) or
// freshly bound within the configured port range.
func (s *switchboard) reserve() (*reservation, error) {
	if s.mode == ListenerModePooled {
		s.mu.Lock()

		if len(s.idle) == 0 {
			s.mu.Unlock()

			return nil, ErrNoAvailableListeningPort
		}

		r := s.idle[len(s.idle)-1]
		s.idle = s.idle[:len(s.idle)-1]
		r.reservedAt = time.Now()
		r.consumed = false
		s.reservations[r.port] = r
		s.mu.Unlock()

		return r, nil
	}

	r, err := listenWithinRange(s.portRange)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.reservations[r.port] = r
	s.mu.Unlock()

	return r, nil
}

// consume marks a reservation as actually used by a data connection, exempting it from the
// scavenger until it's released.
func (s *switchboard) consume(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[port]
	if !ok {
		return ErrReservationConflict
	}

	r.consumed = true

	return nil
}

// release returns a reservation: closed outright in on-demand mode, or parked in the idle
// pool for reuse in pooled mode.
func (s *switchboard) release(port int) {
	s.mu.Lock()
	r, ok := s.reservations[port]
	if !ok {
		s.mu.Unlock()

		return
	}

	delete(s.reservations, port)

	if s.mode == ListenerModePooled {
		s.idle = append(s.idle, r)
		s.mu.Unlock()

		return
	}
	s.mu.Unlock()

	s.closeReservation(r)
}

func (s *switchboard) closeReservation(r *reservation) {
	if err := r.listener.Close(); err != nil {
		s.logger.Warn("Problem closing passive listener", "err", err, "port", r.port)
	}
}

// scavenge reclaims reservations that were never consumed within the TTL, and is meant to
// be called periodically by runScavenger.
func (s *switchboard) scavenge() {
	now := time.Now()

	var expired []*reservation

	s.mu.Lock()
	for port, r := range s.reservations {
		if !r.consumed && now.Sub(r.reservedAt) > s.ttl {
			delete(s.reservations, port)

			if s.mode == ListenerModePooled {
				s.idle = append(s.idle, r)
				s.logger.Warn("Returning abandoned passive reservation to the pool", "port", r.port)

				continue
			}

			expired = append(expired, r)
		}
	}
	s.mu.Unlock()

	for _, r := range expired {
		s.logger.Warn("Releasing abandoned passive reservation", "port", r.port)
		s.closeReservation(r)
	}
}

// runScavenger periodically reclaims abandoned reservations until ctx is done.
func (s *switchboard) runScavenger(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		period = 30 * time.Second
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.scavenge()
		}
	}
}

// close tears down every listener the switchboard currently owns, reserved or idle.
func (s *switchboard) close() {
	s.mu.Lock()
	all := make([]*reservation, 0, len(s.reservations)+len(s.idle))

	for _, r := range s.reservations {
		all = append(all, r)
	}

	all = append(all, s.idle...)
	s.reservations = make(map[int]*reservation)
	s.idle = nil
	s.mu.Unlock()

	for _, r := range all {
		s.closeReservation(r)
	}
}

func bindReservation(exposedPort, listenedPort int) (*reservation, error) {
	lc := net.ListenConfig{Control: Control}

	listener, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf("0.0.0.0:%d", listenedPort))
	if err != nil {
		return nil, err
	}

	tcpListener, ok := listener.(*net.TCPListener)
	if !ok {
		listener.Close() //nolint:errcheck

		return nil, ErrNoAvailableListeningPort
	}

	return &reservation{
		port:        listenedPort,
		exposedPort: exposedPort,
		listener:    tcpListener,
		tcpListener: tcpListener,
		reservedAt:  time.Now(),
	}, nil
}

func listenWithinRange(portRange PasvPortGetter) (*reservation, error) {
	if portRange == nil {
		addr, _ := net.ResolveTCPAddr("tcp", ":0")

		tcpListener, err := net.ListenTCP("tcp", addr)
		if err != nil {
			return nil, NewNetworkError("could not listen for passive connection", err)
		}

		port := tcpListener.Addr().(*net.TCPAddr).Port

		return &reservation{
			port:        port,
			exposedPort: port,
			listener:    tcpListener,
			tcpListener: tcpListener,
			reservedAt:  time.Now(),
		}, nil
	}

	for i := 0; i < portRange.NumberAttempts(); i++ {
		exposedPort, listenedPort, ok := portRange.FetchNext()
		if !ok {
			return nil, ErrNoAvailableListeningPort
		}

		r, err := bindReservation(exposedPort, listenedPort)
		if err != nil {
			continue
		}

		return r, nil
	}

	return nil, ErrNoAvailableListeningPort
}
