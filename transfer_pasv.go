package ftpserver

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/corewind/ftpserver/log"
)

// passiveTransferHandler is a data connection accepted from a switchboard reservation.
// listener is what Accept actually runs on: the reservation's raw socket, possibly behind
// a driver wrapper and/or a tls.Listener for this transfer only, so a pooled reservation
// always goes back to the switchboard in its original, unwrapped form.
type passiveTransferHandler struct {
	Port          int // the port advertised to the client
	listener      net.Listener
	tcpListener   *net.TCPListener
	connection    net.Conn
	reservation   *reservation
	switchboard   *switchboard
	settings      *Settings
	info          string
	logger        log.Logger
	checkDataConn func(dataConnIP net.IP, channelType DataChannel) error
}

func (c *clientHandler) handlePASV(_ string) error {
	command := c.GetLastCommand()

	r, err := c.server.switchboard.reserve()
	if err != nil {
		c.logger.Error("Could not reserve a passive port", "err", err)
		c.writeMessage(StatusServiceNotAvailable, fmt.Sprintf("Could not listen for passive connection: %v", err))

		return nil
	}

	listener := net.Listener(r.listener)

	if wrapper, ok := c.server.driver.(MainDriverExtensionPassiveWrapper); ok {
		listener, err = wrapper.WrapPassiveListener(listener)
		if err != nil {
			c.server.switchboard.release(r.port)
			c.logger.Error("Could not wrap passive listener", "err", err)
			c.writeMessage(StatusServiceNotAvailable, fmt.Sprintf("Could not listen for passive connection: %v", err))

			return nil
		}
	}

	if c.HasTLSForTransfers() || c.tlsRequirement() == ImplicitEncryption {
		if tlsConfig := c.server.tlsIdentity.get(); tlsConfig != nil {
			listener = tls.NewListener(listener, tlsConfig)
		} else {
			c.server.switchboard.release(r.port)
			c.writeMessage(StatusServiceNotAvailable, "Cannot get a TLS config")

			return nil
		}
	}

	p := &passiveTransferHandler{
		Port:          r.exposedPort,
		listener:      listener,
		tcpListener:   r.tcpListener,
		reservation:   r,
		switchboard:   c.server.switchboard,
		settings:      c.server.settings,
		logger:        c.logger,
		checkDataConn: c.checkDataConnectionRequirement,
	}

	if command == "PASV" {
		p1 := p.Port / 256
		p2 := p.Port - (p1 * 256)

		quads, errIP := c.getCurrentIP()
		if errIP != nil {
			c.server.switchboard.release(r.port)
			c.writeMessage(StatusServiceNotAvailable, fmt.Sprintf("Could not listen for passive connection: %v", errIP))

			return nil
		}

		c.writeMessage(
			StatusEnteringPASV,
			fmt.Sprintf("Entering Passive Mode (%s,%s,%s,%s,%d,%d)", quads[0], quads[1], quads[2], quads[3], p1, p2))
	} else {
		c.writeMessage(StatusEnteringEPSV, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", p.Port))
	}

	c.transferMu.Lock()
	if errClose := c.closeTransfer(); errClose != nil {
		c.logger.Warn("Problem closing the previous transfer handler", "err", errClose)
	}
	c.transfer = p
	c.transferMu.Unlock()

	c.setLastDataChannel(DataChannelPassive)

	return nil
}

func (p *passiveTransferHandler) GetInfo() string { return p.info }

func (p *passiveTransferHandler) SetInfo(info string) { p.info = info }

// ConnectionWait accepts exactly one inbound data connection, bounded by wait, and
// verifies it against the data-connection security requirement before handing it out.
func (p *passiveTransferHandler) ConnectionWait(wait time.Duration) (net.Conn, error) {
	if p.connection == nil {
		if p.tcpListener != nil {
			if err := p.tcpListener.SetDeadline(time.Now().Add(wait)); err != nil {
				return nil, fmt.Errorf("failed to set deadline: %w", err)
			}
		}

		connection, err := p.listener.Accept()
		if err != nil {
			return nil, err
		}

		ip, err := getIPFromRemoteAddr(connection.RemoteAddr())
		if err != nil {
			p.closeRefusedConnection(connection)

			return nil, err
		}

		if p.checkDataConn != nil {
			if err := p.checkDataConn(ip, DataChannelPassive); err != nil {
				p.closeRefusedConnection(connection)

				return nil, err
			}
		}

		if p.switchboard != nil {
			if err := p.switchboard.consume(p.reservation.port); err != nil {
				p.logger.Warn("reservation was not tracked", "err", err)
			}
		}

		p.connection = connection
	}

	return p.connection, nil
}

func (p *passiveTransferHandler) closeRefusedConnection(connection net.Conn) {
	if err := connection.Close(); err != nil {
		p.logger.Warn("Problem closing refused data connection", "err", err)
	}
}

func (p *passiveTransferHandler) Open() (net.Conn, error) {
	timeout := time.Duration(p.settings.ConnectionTimeout) * time.Second

	return p.ConnectionWait(timeout)
}

func (p *passiveTransferHandler) Close() error {
	if p.connection != nil {
		if err := p.connection.Close(); err != nil && !isClosedConnError(err) {
			p.logger.Warn("Problem closing passive connection", "err", err)
		}
	}

	if p.switchboard != nil {
		p.switchboard.release(p.reservation.port)

		return nil
	}

	if p.tcpListener != nil {
		return p.tcpListener.Close()
	}

	return nil
}
