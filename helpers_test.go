package ftpserver

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"math/rand"
	"net"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/secsy/goftp"
	"github.com/stretchr/testify/require"
)

// openTestClient dials the given server and logs in with the fixture credentials. The
// client is closed when the test ends.
func openTestClient(t *testing.T, server *FtpServer) *goftp.Client {
	t.Helper()

	client, err := goftp.DialConfig(goftp.Config{
		User:     testUsername,
		Password: testPassword,
	}, server.Addr())
	require.NoError(t, err, "could not connect to the test server")

	t.Cleanup(func() { _ = client.Close() })

	return client
}

// openRawSession returns a logged-in raw control connection on the given server, closed
// when the test ends.
func openRawSession(t *testing.T, server *FtpServer) goftp.RawConn {
	t.Helper()

	client := openTestClient(t, server)

	raw, err := client.OpenRawConn()
	require.NoError(t, err, "could not open a raw control connection")

	t.Cleanup(func() { _ = raw.Close() })

	return raw
}

// replyIs sends one command and asserts the reply code.
func replyIs(t *testing.T, raw goftp.RawConn, cmd string, expected int) {
	t.Helper()

	code, response, err := raw.SendCommand(cmd)
	require.NoError(t, err)
	require.Equal(t, expected, code, "unexpected reply to %q: %s", cmd, response)
}

// dialControl opens a bare TCP control connection, asserts the 220 greeting and returns
// the connection with a buffered reader on it.
func dialControl(t *testing.T, server *FtpServer) (net.Conn, *bufio.Reader) {
	t.Helper()

	conn, err := net.DialTimeout("tcp", server.Addr(), 5*time.Second)
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	reader := bufio.NewReader(conn)
	require.Equal(t, "220 "+testGreeting+"\r\n", readReplyLine(t, reader))

	return conn, reader
}

// sendLine writes one CRLF-terminated command on a bare control connection.
func sendLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()

	_, err := fmt.Fprintf(conn, "%s\r\n", line)
	require.NoError(t, err)
}

// readReplyLine reads a single raw reply line, CRLF included.
func readReplyLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()

	line, err := reader.ReadString('\n')
	require.NoError(t, err)

	return line
}

// bareLogin authenticates a bare control connection with the fixture credentials.
func bareLogin(t *testing.T, conn net.Conn, reader *bufio.Reader) {
	t.Helper()

	sendLine(t, conn, "USER "+testUsername)
	require.True(t, strings.HasPrefix(readReplyLine(t, reader), "331"))

	sendLine(t, conn, "PASS "+testPassword)
	require.True(t, strings.HasPrefix(readReplyLine(t, reader), "230"))
}

// payload returns n deterministic pseudo-random bytes; same n, same bytes.
func payload(n int) []byte {
	data := make([]byte, n)
	rnd := rand.New(rand.NewSource(int64(n))) //nolint:gosec

	_, _ = rnd.Read(data)

	return data
}

// digestOf returns the hex SHA-256 of data, used to compare the two ends of a transfer.
func digestOf(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// hexDigest finalizes a streaming hash into its hex form.
func hexDigest(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// storeRaw uploads data over a prepared data connection using verb (STOR/APPE/STOU).
func storeRaw(t *testing.T, raw goftp.RawConn, verb, name string, data []byte) {
	t.Helper()

	connect, err := raw.PrepareDataConn()
	require.NoError(t, err)

	code, response, err := raw.SendCommand(fmt.Sprintf("%s %s", verb, name))
	require.NoError(t, err)
	require.Equal(t, StatusFileStatusOK, code, response)

	dataConn, err := connect()
	require.NoError(t, err)

	_, err = io.Copy(dataConn, bytes.NewReader(data))
	require.NoError(t, err)
	require.NoError(t, dataConn.Close())

	code, response, err = raw.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, StatusClosingDataConn, code, response)
}

// fetchRaw downloads one file over a prepared data connection and returns its bytes.
func fetchRaw(t *testing.T, raw goftp.RawConn, name string) []byte {
	t.Helper()

	connect, err := raw.PrepareDataConn()
	require.NoError(t, err)

	code, response, err := raw.SendCommand("RETR " + name)
	require.NoError(t, err)
	require.Equal(t, StatusFileStatusOK, code, response)

	dataConn, err := connect()
	require.NoError(t, err)

	data, err := io.ReadAll(dataConn)
	require.NoError(t, err)
	require.NoError(t, dataConn.Close())

	code, response, err = raw.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, StatusClosingDataConn, code, response)

	return data
}

// listRaw runs one listing command (LIST/NLST/MLSD) over a prepared data connection and
// returns the raw listing bytes.
func listRaw(t *testing.T, raw goftp.RawConn, cmd string) []byte {
	t.Helper()

	connect, err := raw.PrepareDataConn()
	require.NoError(t, err)

	code, response, err := raw.SendCommand(cmd)
	require.NoError(t, err)
	require.Equal(t, StatusFileStatusOK, code, response)

	dataConn, err := connect()
	require.NoError(t, err)

	data, err := io.ReadAll(dataConn)
	require.NoError(t, err)
	require.NoError(t, dataConn.Close())

	code, response, err = raw.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, StatusClosingDataConn, code, response)

	return data
}

// interruptCmd is ABOR behind the telnet interrupt bytes real clients prefix it with.
func interruptCmd() string {
	return "\xff\xf4\xff\xf2ABOR"
}

var pasvReplyPattern = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

// pasvEndpoint extracts the host and port advertised by a 227 reply.
func pasvEndpoint(t *testing.T, reply string) (string, int) {
	t.Helper()

	groups := pasvReplyPattern.FindStringSubmatch(reply)
	require.NotNil(t, groups, "not a PASV reply: %q", reply)

	quads := make([]string, 4)
	for i := 0; i < 4; i++ {
		quads[i] = groups[i+1]
	}

	high, err := strconv.Atoi(groups[5])
	require.NoError(t, err)
	low, err := strconv.Atoi(groups[6])
	require.NoError(t, err)

	return strings.Join(quads, "."), high<<8 + low
}
