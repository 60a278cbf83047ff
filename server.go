package ftpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/corewind/ftpserver/log"
)

// ErrNotListening is returned when we are performing an action that is only valid while
// listening.
var ErrNotListening = errors.New("we aren't listening")

// FtpServer is where everything is stored. We want to keep it as simple as possible.
type FtpServer struct {
	Logger        log.Logger   // structured logger, defaults to a no-op implementation
	settings      *Settings    // General settings
	listener      net.Listener // listener used to receive connections
	clientCounter uint32       // Clients counter
	driver        MainDriver   // Driver to handle auth, settings and storage backend selection

	switchboard   *switchboard     // passive-port reservation pool
	throttle      *loginThrottle   // failed-login tracker
	events        *eventDispatcher // async presence/data event fan-out
	tlsIdentity   *tlsIdentity     // cached TLS config, loaded once at Listen()
	acceptLimiter *rate.Limiter    // paces Accept() when Settings.MaxAcceptsPerSecond is set

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewFtpServer creates a new FtpServer instance.
func NewFtpServer(driver MainDriver) *FtpServer {
	return &FtpServer{
		driver: driver,
		Logger: log.NewNoOpLogger(),
	}
}

func (server *FtpServer) loadSettings() error {
	settings, err := server.driver.GetSettings()
	if err != nil || settings == nil {
		return NewDriverError("couldn't load settings", err)
	}

	if settings.PublicHost != "" {
		settings.PublicHost, err = parseIPv4(settings.PublicHost)
		if err != nil {
			return err
		}
	}

	if settings.Listener == nil && settings.ListenAddr == "" {
		settings.ListenAddr = "0.0.0.0:2121"
	}

	if settings.IdleTimeout == 0 {
		settings.IdleTimeout = 300
	}

	if settings.ConnectionTimeout == 0 {
		settings.ConnectionTimeout = 10
	}

	if settings.Greeting == "" {
		settings.Greeting = "ftpserver ready"
	}

	if settings.ReservationTTL == 0 {
		settings.ReservationTTL = 60 * time.Second
	}

	if settings.ScavengerPeriod == 0 {
		settings.ScavengerPeriod = 30 * time.Second
	}

	if settings.ProxyHeaderTimeout == 0 {
		settings.ProxyHeaderTimeout = 5 * time.Second
	}

	if settings.FailedLoginsThreshold == 0 {
		settings.FailedLoginsThreshold = 3
	}

	if settings.FailedLoginsLockout == 0 {
		settings.FailedLoginsLockout = 300 * time.Second
	}

	server.settings = settings

	return nil
}

// parseIPv4 validates a passive host and normalizes it to its dotted-quad form.
func parseIPv4(publicHost string) (string, error) {
	parsedIP := net.ParseIP(publicHost)
	if parsedIP == nil {
		return "", &ipValidationError{error: fmt.Sprintf("invalid passive IP %#v", publicHost)}
	}

	parsedIP = parsedIP.To4()
	if parsedIP == nil {
		return "", &ipValidationError{error: fmt.Sprintf("invalid IPv4 passive IP %#v", publicHost)}
	}

	return parsedIP.String(), nil
}

// Listen starts the listening. It's not a blocking call.
func (server *FtpServer) Listen() error {
	if err := server.loadSettings(); err != nil {
		return fmt.Errorf("could not load settings: %w", err)
	}

	identity, err := loadTLSIdentity(server.driver)
	if err != nil {
		return err
	}

	server.tlsIdentity = identity
	server.switchboard = newSwitchboard(
		server.settings.ListenerMode, server.settings.PassiveTransferPortRange, server.settings.ReservationTTL, server.Logger)
	server.throttle = newLoginThrottle(
		server.settings.FailedLoginsPolicy, server.settings.FailedLoginsThreshold, server.settings.FailedLoginsLockout)
	server.events = newRateLimitedEventDispatcher(
		server.settings.EventSink, server.settings.EventSinkRate, server.settings.EventSinkBurst)

	if server.settings.MaxAcceptsPerSecond > 0 {
		burst := server.settings.MaxAcceptBurst
		if burst <= 0 {
			burst = 1
		}

		server.acceptLimiter = rate.NewLimiter(rate.Limit(server.settings.MaxAcceptsPerSecond), burst)
	}

	if server.settings.Listener != nil {
		server.listener = server.settings.Listener
	} else {
		server.listener, err = server.createListener()
		if err != nil {
			return fmt.Errorf("could not create listener: %w", err)
		}
	}

	server.listener = wrapProxyProtocol(server.listener, server.settings.ProxyProtocolPolicy, server.settings.ProxyHeaderTimeout)

	server.switchboard.prebind()

	ctx, cancel := context.WithCancel(context.Background())
	server.ctx = ctx
	server.cancel = cancel

	group, groupCtx := errgroup.WithContext(ctx)
	server.group = group

	group.Go(func() error {
		return server.switchboard.runScavenger(groupCtx, server.settings.ScavengerPeriod)
	})
	group.Go(func() error {
		return server.events.run()
	})

	if server.settings.ShutdownIndicator != nil {
		group.Go(func() error {
			select {
			case <-server.settings.ShutdownIndicator:
				return server.Stop()
			case <-groupCtx.Done():
				return nil
			}
		})
	}

	server.Logger.Info("Listening...", "address", server.listener.Addr())

	return nil
}

func (server *FtpServer) createListener() (net.Listener, error) {
	listener, err := net.Listen("tcp", server.settings.ListenAddr)
	if err != nil {
		server.Logger.Error("cannot listen on main port", "err", err, "listenAddr", server.settings.ListenAddr)

		return nil, NewNetworkError("cannot listen on main port", err)
	}

	if server.settings.TLSRequired == ImplicitEncryption {
		tlsConfig := server.tlsIdentity.get()
		if tlsConfig == nil {
			server.Logger.Error("Cannot get tls config for implicit TLS")

			return nil, NewDriverError("cannot get tls config", nil)
		}

		listener = tls.NewListener(listener, tlsConfig)
	}

	return listener, nil
}

// temporaryError reports whether an accept error is one of the per-connection failures
// (the peer aborted or reset while sitting in the backlog) that should never stop the
// accept loop.
func temporaryError(err error) bool {
	if err == nil {
		return false
	}

	var syscallErr *os.SyscallError
	if errors.As(err, &syscallErr) {
		return errors.Is(syscallErr.Err, syscall.ECONNABORTED) || errors.Is(syscallErr.Err, syscall.ECONNRESET)
	}

	return false
}

// Serve accepts and processes any new incoming client.
func (server *FtpServer) Serve() error {
	var tempDelay time.Duration

	for {
		connection, err := server.listener.Accept()
		if err != nil {
			if ok, finalErr := server.handleAcceptError(err, &tempDelay); ok {
				if server.group != nil {
					if errWait := server.group.Wait(); errWait != nil && finalErr == nil {
						finalErr = errWait
					}
				}

				return finalErr
			}

			continue
		}

		tempDelay = 0

		if server.acceptLimiter != nil {
			if err := server.acceptLimiter.Wait(server.ctx); err != nil {
				connection.Close() //nolint:errcheck

				continue
			}
		}

		server.clientArrival(connection)
	}
}

// handleAcceptError classifies an accept failure: (true, err) stops the accept loop,
// (false, nil) retries it, possibly after a backoff.
func (server *FtpServer) handleAcceptError(err error, tempDelay *time.Duration) (bool, error) {
	if isClosedConnError(err) {
		server.listener = nil

		return true, nil
	}

	if temporaryError(err) {
		server.Logger.Warn("accept error", "err", err)

		return false, nil
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if *tempDelay == 0 {
			*tempDelay = 5 * time.Millisecond
		} else {
			*tempDelay *= 2
		}

		if maxDelay := time.Second; *tempDelay > maxDelay {
			*tempDelay = maxDelay
		}

		server.Logger.Warn("accept error", "err", err, "retryDelay", tempDelay)
		time.Sleep(*tempDelay)

		return false, nil
	}

	server.Logger.Error("Listener accept error", "err", err)

	return true, NewNetworkError("listener accept error", err)
}

// ListenAndServe simply chains the Listen and Serve method calls.
func (server *FtpServer) ListenAndServe() error {
	if err := server.Listen(); err != nil {
		return err
	}

	server.Logger.Info("Starting...")

	return server.Serve()
}

// Addr shows the listening address.
func (server *FtpServer) Addr() string {
	if server.listener != nil {
		return server.listener.Addr().String()
	}

	return ""
}

// Stop closes the listener and stops every background goroutine the server owns.
func (server *FtpServer) Stop() error {
	if server.cancel != nil {
		server.cancel()
	}

	if server.events != nil {
		server.events.stop()
	}

	if server.switchboard != nil {
		server.switchboard.close()
	}

	if server.listener == nil {
		return ErrNotListening
	}

	if err := server.listener.Close(); err != nil {
		server.Logger.Warn("Could not close listener", "err", err)

		return NewNetworkError("couldn't close listener", err)
	}

	return nil
}

func (server *FtpServer) clientArrival(conn net.Conn) {
	server.clientCounter++
	id := server.clientCounter

	c := server.newClientHandler(conn, id, server.settings.DefaultTransferType)
	go c.HandleCommands()

	c.logger.Debug("Client connected", "clientIp", conn.RemoteAddr())
}

func (server *FtpServer) clientDeparture(c *clientHandler) {
	c.logger.Debug("Client disconnected", "clientIp", c.conn.RemoteAddr())
}
