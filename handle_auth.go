package ftpserver

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"time"
)

// sourceIP returns the bare peer IP of the control connection, after any PROXY header
// rewrite.
func (c *clientHandler) sourceIP() string {
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return c.conn.RemoteAddr().String()
	}

	return host
}

// peerCertificates returns the verified client certificate chain of the control channel,
// nil when the control channel is plaintext or the client presented none.
func (c *clientHandler) peerCertificates() []*x509.Certificate {
	if tlsConn, ok := c.conn.(*tls.Conn); ok {
		return tlsConn.ConnectionState().PeerCertificates
	}

	return nil
}

// handleUSER handles the "USER" command.
func (c *clientHandler) handleUSER(param string) error {
	if c.tlsRequirement() == MandatoryEncryption && !c.HasTLSForControl() {
		c.writeMessage(StatusServiceNotAvailable, "TLS is required")

		return nil
	}

	c.paramsMutex.Lock()
	c.username = param
	c.paramsMutex.Unlock()

	// With a verified client certificate chain and a driver that accepts it for this
	// user, the password exchange is moot.
	if certs := c.peerCertificates(); len(certs) > 0 && c.server.driver.CertAuthSufficient(param) {
		c.setState(stateAwaitPass)

		return c.authenticate("")
	}

	c.setState(stateAwaitPass)
	c.writeMessage(StatusUserOK, "OK")

	return nil
}

// handlePASS handles the "PASS" command.
func (c *clientHandler) handlePASS(param string) error {
	if c.getState() != stateAwaitPass {
		c.writeMessage(StatusBadCommandSequence, "USER is expected before PASS")

		return nil
	}

	return c.authenticate(param)
}

// authenticate drives one authentication attempt: the login throttle first, then the
// driver, then the user-detail and storage-backend lookups.
func (c *clientHandler) authenticate(password string) error {
	remoteIP := c.sourceIP()

	c.paramsMutex.RLock()
	username := c.username
	c.paramsMutex.RUnlock()

	if !c.server.throttle.allow(remoteIP, username) {
		c.logger.Warn("Login throttled", "username", username, "remoteIP", remoteIP)
		c.writeMessage(StatusServiceNotAvailable, "Too many failed login attempts, try again later")
		c.disconnect()

		return nil
	}

	creds := Credentials{
		Username:         username,
		Password:         password,
		SourceIP:         remoteIP,
		PeerCertificates: c.peerCertificates(),
		ControlTLS:       c.HasTLSForControl(),
	}

	principal, outcome, err := c.server.driver.Authenticate(c, creds)

	if err != nil || outcome != AuthOK || principal == nil {
		c.server.throttle.recordFailure(remoteIP, username)

		switch {
		case err != nil:
			c.writeMessage(StatusNotLoggedIn, fmt.Sprintf("Authentication problem: %v", err))
		case outcome == AuthUnavailable:
			c.writeMessage(StatusServiceNotAvailable, "Authentication service unavailable")
		default:
			c.writeMessage(StatusNotLoggedIn, "Authentication failed")
		}

		c.disconnect()

		return nil
	}

	user, err := c.server.driver.UserDetail(principal)
	if err != nil || user == nil {
		c.writeMessage(StatusNotLoggedIn, "I can't deal with you (no user detail)")
		c.disconnect()

		return nil
	}

	storage, err := c.server.driver.StorageBackendFor(user)
	if err != nil || storage == nil {
		c.writeMessage(StatusNotLoggedIn, "I can't deal with you (no storage backend)")
		c.disconnect()

		return nil
	}

	c.server.throttle.recordSuccess(remoteIP, username)

	c.paramsMutex.Lock()
	c.user = user
	c.storage = storage
	c.paramsMutex.Unlock()

	c.setState(stateAuthenticated)
	c.writeMessage(StatusUserLoggedIn, "Password ok, continue")

	c.emitPresenceEvent(PresenceEvent{
		Kind:       PresenceAuthenticated,
		SessionID:  c.id,
		RemoteAddr: c.conn.RemoteAddr().String(),
		Username:   user.Principal.Username,
		At:         time.Now().UTC(),
	})

	return nil
}

func (c *clientHandler) handleAUTH(param string) error {
	if !strings.EqualFold(param, "TLS") && !strings.EqualFold(param, "SSL") {
		c.writeMessage(StatusSyntaxErrorParameters, fmt.Sprintf("Unsupported mechanism %#v", param))

		return nil
	}

	tlsConfig := c.server.tlsIdentity.get()
	if tlsConfig == nil {
		c.writeMessage(StatusActionNotTaken, "TLS is not configured")

		return nil
	}

	c.writeMessage(StatusAuthAccepted, "AUTH command ok. Expecting TLS Negotiation.")

	c.setState(stateTLSHandshakeControl)
	c.conn = tls.Server(c.conn, tlsConfig)
	c.reader = bufio.NewReaderSize(c.conn, maxCommandSize)
	c.writer = bufio.NewWriter(c.conn)
	c.setTLSForControl(true)
	c.setState(stateAwaitUser)

	return nil
}

func (c *clientHandler) handlePROT(param string) error {
	// P for Private, C for Clear.
	c.setTLSForTransfer(strings.EqualFold(param, "P"))
	c.writeMessage(StatusOK, "OK")

	return nil
}

func (c *clientHandler) handlePBSZ(_ string) error {
	c.writeMessage(StatusOK, "Whatever")

	return nil
}
