package ftpserver

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

func (c *clientHandler) handlePORT(param string) error {
	if c.server.settings.DisableActiveMode {
		c.writeMessage(StatusServiceNotAvailable, "PORT command is disabled")

		return nil
	}

	command := c.GetLastCommand()

	var raddr *net.TCPAddr

	var err error

	if command == "EPRT" {
		raddr, err = parseEPRTAddr(param)
	} else {
		raddr, err = parsePORTAddr(param)
	}

	if err != nil {
		c.writeMessage(StatusSyntaxErrorParameters, fmt.Sprintf("Problem parsing %s: %v", command, err))

		return nil
	}

	if err := c.checkDataConnectionRequirement(raddr.IP, DataChannelActive); err != nil {
		c.logger.Warn("Refused active data connection target", "err", err, "raddr", raddr)
		c.writeMessage(StatusSyntaxErrorParameters, "Your request does not meet the configured security requirements")

		return nil
	}

	var tlsConfig *tls.Config

	if c.HasTLSForTransfers() || c.tlsRequirement() == ImplicitEncryption {
		tlsConfig = c.server.tlsIdentity.get()
		if tlsConfig == nil {
			c.writeMessage(StatusServiceNotAvailable, "Cannot get a TLS config for active connection")

			return nil
		}
	}

	c.writeMessage(StatusOK, fmt.Sprintf("%s command successful", command))

	c.transferMu.Lock()
	if errClose := c.closeTransfer(); errClose != nil {
		c.logger.Warn("Problem closing the previous transfer handler", "err", errClose)
	}
	c.transfer = &activeTransferHandler{
		raddr:     raddr,
		settings:  c.server.settings,
		tlsConfig: tlsConfig,
	}
	c.transferMu.Unlock()

	c.setLastDataChannel(DataChannelActive)

	return nil
}

// activeTransferHandler dials back to the client for PORT/EPRT transfers.
type activeTransferHandler struct {
	raddr     *net.TCPAddr
	conn      net.Conn
	settings  *Settings
	tlsConfig *tls.Config
	info      string
}

func (a *activeTransferHandler) Open() (net.Conn, error) {
	timeout := time.Duration(a.settings.ConnectionTimeout) * time.Second
	dialer := &net.Dialer{Timeout: timeout, Control: Control}

	if !a.settings.ActiveTransferPortNon20 {
		dialer.LocalAddr, _ = net.ResolveTCPAddr("tcp", ":20")
	}

	conn, err := dialer.Dial("tcp", a.raddr.String())
	if err != nil {
		return nil, fmt.Errorf("could not establish active connection: %w", err)
	}

	if a.tlsConfig != nil {
		conn = tls.Server(conn, a.tlsConfig)
	}

	a.conn = conn

	return a.conn, nil
}

func (a *activeTransferHandler) Close() error {
	if a.conn != nil {
		return a.conn.Close()
	}

	return nil
}

func (a *activeTransferHandler) SetInfo(info string) { a.info = info }

func (a *activeTransferHandler) GetInfo() string { return a.info }

var remoteAddrRegex = regexp.MustCompile(`^([0-9]{1,3},){5}[0-9]{1,3}$`)

// ErrRemoteAddrFormat is returned when the remote address has a bad format.
var ErrRemoteAddrFormat = errors.New("remote address has a bad format")

// parsePORTAddr parses the client's data-connection address out of a PORT argument.
//
// Param format: 192,168,150,80,14,178
// Host: 192.168.150.80
// Port: (14 * 256) + 178
func parsePORTAddr(param string) (*net.TCPAddr, error) {
	if !remoteAddrRegex.MatchString(param) {
		return nil, fmt.Errorf("could not parse %s: %w", param, ErrRemoteAddrFormat)
	}

	params := strings.Split(param, ",")
	ip := strings.Join(params[0:4], ".")

	p1, err := strconv.Atoi(params[4])
	if err != nil {
		return nil, err
	}

	p2, err := strconv.Atoi(params[5])
	if err != nil {
		return nil, err
	}

	port := p1<<8 + p2

	return net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", ip, port))
}

// parseEPRTAddr parses the client's data-connection address out of an RFC 2428 EPRT
// argument: |<proto>|<addr>|<port>| with proto 1 (IPv4) or 2 (IPv6).
func parseEPRTAddr(param string) (*net.TCPAddr, error) {
	params := strings.Split(param, "|")
	if len(params) != 5 {
		return nil, fmt.Errorf("could not parse %s: %w", param, ErrRemoteAddrFormat)
	}

	netProtocol := params[1]
	remoteIP := params[2]

	portI, err := strconv.Atoi(params[3])
	if err != nil || portI <= 0 || portI > 65535 {
		return nil, fmt.Errorf("invalid port %s: %w", params[3], ErrRemoteAddrFormat)
	}

	switch netProtocol {
	case "1", "2":
		// the protocol family declared by the client is advisory; ParseIP decides
		if net.ParseIP(remoteIP) == nil {
			return nil, fmt.Errorf("invalid host %s: %w", remoteIP, ErrRemoteAddrFormat)
		}
	default:
		return nil, fmt.Errorf("unsupported protocol %s: %w", netProtocol, ErrRemoteAddrFormat)
	}

	return net.ResolveTCPAddr("tcp", net.JoinHostPort(remoteIP, params[3]))
}
