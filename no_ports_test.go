package ftpserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corewind/ftpserver/log"
)

// mockFailingPortMapping is a port getter that never provides a port.
type mockFailingPortMapping struct{}

func (m *mockFailingPortMapping) FetchNext() (int, int, bool) {
	return 0, 0, false
}

func (m *mockFailingPortMapping) NumberAttempts() int {
	return 1
}

func TestSwitchboardFetchNextFailure(t *testing.T) {
	req := require.New(t)

	sb := newSwitchboard(ListenerModeOnDemand, &mockFailingPortMapping{}, time.Minute, log.NewNoOpLogger())

	r, err := sb.reserve()
	req.Nil(r)
	req.ErrorIs(err, ErrNoAvailableListeningPort)
}

// TestPASVOnExhaustedRange checks that a client asking for a passive port out of an
// exhausted pool gets a clean 421, not a hang.
func TestPASVOnExhaustedRange(t *testing.T) {
	server := NewTestServerWithTestDriver(t, &TestServerDriver{
		Debug: false,
		Settings: &Settings{
			PassiveTransferPortRange: &mockFailingPortMapping{},
		},
	})

	raw := openRawSession(t, server)

	rc, response, err := raw.SendCommand("PASV")
	require.NoError(t, err)
	require.Equal(t, StatusServiceNotAvailable, rc)
	require.Contains(t, response, "Could not listen for passive connection")
}
