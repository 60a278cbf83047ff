package ftpserver

import (
	"errors"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corewind/ftpserver/log"
)

func TestMain(m *testing.M) {
	// run everything in a non-UTC zone so any accidental local-time formatting in the
	// MLSx/MDTM paths shows up as a test failure
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		panic(err)
	}

	time.Local = loc //nolint:gosmopolitan

	os.Exit(m.Run())
}

// TestSettingsDefaults pins the documented defaults loadSettings fills in: idle window,
// connect timeout, reservation lifecycle and throttle policy numbers.
func TestSettingsDefaults(t *testing.T) {
	server := FtpServer{
		Logger: log.NewNoOpLogger(),
		driver: &TestServerDriver{Settings: &Settings{}},
	}

	require.NoError(t, server.loadSettings())

	require.Equal(t, 300, server.settings.IdleTimeout)
	require.Equal(t, 10, server.settings.ConnectionTimeout)
	require.Equal(t, 60*time.Second, server.settings.ReservationTTL)
	require.Equal(t, 30*time.Second, server.settings.ScavengerPeriod)
	require.Equal(t, 5*time.Second, server.settings.ProxyHeaderTimeout)
	require.Equal(t, uint32(3), server.settings.FailedLoginsThreshold)
	require.Equal(t, 300*time.Second, server.settings.FailedLoginsLockout)
	require.NotEmpty(t, server.settings.ListenAddr)
	require.NotEmpty(t, server.settings.Greeting)
}

// TestPublicHostValidation: the advertised passive host must resolve to a plain IPv4
// address; v4-mapped v6 notation is normalized, anything else is an ipValidationError.
func TestPublicHostValidation(t *testing.T) {
	cases := []struct {
		host string
		want string
		ok   bool
	}{
		{"198.51.100.9", "198.51.100.9", true},
		{"::ffff:198.51.100.9", "198.51.100.9", true},
		{"198.51.100", "", false},
		{"2001:db8::9", "", false},
		{"ftp.example.net", "", false},
		{"", "", false},
	}

	for _, tc := range cases {
		got, err := parseIPv4(tc.host)

		if tc.ok {
			require.NoError(t, err, "host %q", tc.host)
			require.Equal(t, tc.want, got)

			continue
		}

		require.Error(t, err, "host %q", tc.host)

		var validationErr *ipValidationError
		require.ErrorAs(t, err, &validationErr)
	}

	// the same validation runs when settings are loaded
	server := FtpServer{
		Logger: log.NewNoOpLogger(),
		driver: &TestServerDriver{Settings: &Settings{PublicHost: "2001:db8::9"}},
	}

	err := server.loadSettings()

	var validationErr *ipValidationError
	require.ErrorAs(t, err, &validationErr)
}

// TestSettingsFromBrokenDriver: a driver without settings can't boot the server.
func TestSettingsFromBrokenDriver(t *testing.T) {
	server := FtpServer{
		Logger: log.NewNoOpLogger(),
		driver: &TestServerDriver{Settings: nil},
	}

	err := server.loadSettings()
	require.Error(t, err)

	var driverErr DriverError
	require.ErrorAs(t, err, &driverErr)
	require.Contains(t, driverErr.Error(), "couldn't load settings")
}

// TestListenOnBusyPort: a taken control port surfaces as a NetworkError from Listen.
func TestListenOnBusyPort(t *testing.T) {
	squatter, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	defer func() { _ = squatter.Close() }()

	driver := &TestServerDriver{Settings: &Settings{ListenAddr: squatter.Addr().String()}}
	driver.Init()

	server := FtpServer{
		Logger: log.NewNoOpLogger(),
		driver: driver,
	}

	err = server.Listen()
	require.Error(t, err)

	var netErr NetworkError
	require.ErrorAs(t, err, &netErr)
}

// TestImplicitTLSNeedsIdentity: implicit TLS without a certificate is a configuration
// error at Listen time, not a per-session surprise.
func TestImplicitTLSNeedsIdentity(t *testing.T) {
	driver := &TestServerDriver{
		TLS:      false,
		Settings: &Settings{TLSRequired: ImplicitEncryption},
	}
	driver.Init()

	server := FtpServer{
		Logger: log.NewNoOpLogger(),
		driver: driver,
	}

	err := server.Listen()
	require.Error(t, err)

	var driverErr DriverError
	require.ErrorAs(t, err, &driverErr)
	require.Contains(t, driverErr.Error(), "tls config")
}

// brokenListener always fails its accepts with a fixed error.
type brokenListener struct {
	err error
}

func (l *brokenListener) Accept() (net.Conn, error) { return nil, l.err }
func (*brokenListener) Close() error                { return nil }
func (*brokenListener) Addr() net.Addr              { return &net.TCPAddr{} }

var errAcceptBroken = errors.New("accept is broken today")

// TestServeStopsOnFatalAcceptError: an unclassified accept failure ends Serve with a
// NetworkError instead of spinning.
func TestServeStopsOnFatalAcceptError(t *testing.T) {
	server := FtpServer{
		Logger:   log.NewNoOpLogger(),
		listener: &brokenListener{err: errAcceptBroken},
	}

	err := server.Serve()
	require.Error(t, err)

	var netErr NetworkError
	require.ErrorAs(t, err, &netErr)
	require.Contains(t, err.Error(), errAcceptBroken.Error())
}

// TestServeEndsQuietlyOnClose: the "use of closed network connection" that follows a
// Stop is a clean exit, not an error.
func TestServeEndsQuietlyOnClose(t *testing.T) {
	server := FtpServer{
		Logger:   log.NewNoOpLogger(),
		listener: &brokenListener{err: net.ErrClosed},
	}

	require.NoError(t, server.Serve())
}

// TestTransientAcceptClassification: only the per-connection failures a backlogged
// socket can produce are retried; everything else is fatal.
func TestTransientAcceptClassification(t *testing.T) {
	t.Parallel()

	require.False(t, temporaryError(nil))
	require.False(t, temporaryError(errAcceptBroken))
	require.False(t, temporaryError(&net.OpError{Err: errAcceptBroken}))

	for _, errno := range []syscall.Errno{syscall.ECONNABORTED, syscall.ECONNRESET} {
		wrapped := &net.OpError{Op: "accept", Err: os.NewSyscallError("accept", errno)}
		require.True(t, temporaryError(wrapped), "errno %v", errno)
	}

	require.False(t, temporaryError(&net.OpError{Op: "accept", Err: os.NewSyscallError("accept", syscall.EMFILE)}))
}

// TestStopWithoutListen: stopping a server that never listened reports ErrNotListening.
func TestStopWithoutListen(t *testing.T) {
	server := NewFtpServer(&TestServerDriver{})
	require.ErrorIs(t, server.Stop(), ErrNotListening)
}

// TestAddrBeforeAndAfterListen: Addr is empty until the listener exists.
func TestAddrBeforeAndAfterListen(t *testing.T) {
	driver := &TestServerDriver{}
	driver.Init()

	server := NewFtpServer(driver)
	require.Empty(t, server.Addr())

	require.NoError(t, server.Listen())

	t.Cleanup(func() { _ = server.Stop() })

	require.NotEmpty(t, server.Addr())
}

// TestGracefulShutdownIndicator: closing the configured shutdown channel tears the
// server down from the outside.
func TestGracefulShutdownIndicator(t *testing.T) {
	indicator := make(chan struct{})

	driver := &TestServerDriver{Settings: &Settings{
		ListenAddr:        "127.0.0.1:0",
		ShutdownIndicator: indicator,
	}}
	driver.Init()

	server := NewFtpServer(driver)
	require.NoError(t, server.Listen())

	served := make(chan error, 1)

	go func() { served <- server.Serve() }()

	close(indicator)

	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("the shutdown indicator did not stop the server")
	}
}
