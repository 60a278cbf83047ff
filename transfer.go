package ftpserver

import (
	"fmt"
	"net"
	"strings"
)

// transferHandler is the shared lifecycle of a data-channel connection, whether it came
// from PASV/EPSV (passiveTransferHandler) or PORT/EPRT (activeTransferHandler). ABOR
// cancels a pending or in-flight transfer by closing it out from under the transfer
// goroutine; the reader loop on the control channel stays responsive throughout because
// ABOR is dispatched as a SpecialAction command, bypassing the transferWg wait.
type transferHandler interface {
	// Open returns the connection to transfer data on.
	Open() (net.Conn, error)
	// Close closes the connection (and any associated resource).
	Close() error
	// SetInfo records what this transfer is for, returned in STAT output.
	SetInfo(string)
	// GetInfo returns what was recorded by SetInfo.
	GetInfo() string
}

// getCurrentIP returns the dotted quads of the IPv4 address to advertise in a PASV reply:
// the configured public host, the resolver's answer, or the control connection's local
// address, in that order of preference.
func (c *clientHandler) getCurrentIP() ([]string, error) {
	ip := c.server.settings.PublicHost

	if ip == "" && c.server.settings.PublicIPResolver != nil {
		var err error

		ip, err = c.server.settings.PublicIPResolver(c)
		if err != nil {
			return nil, fmt.Errorf("couldn't fetch public IP: %w", err)
		}

		ip, err = parseIPv4(ip)
		if err != nil {
			return nil, err
		}
	}

	if ip == "" {
		host, _, err := net.SplitHostPort(c.conn.LocalAddr().String())
		if err != nil {
			return nil, fmt.Errorf("couldn't resolve local IP: %w", err)
		}

		ip, err = parseIPv4(host)
		if err != nil {
			return nil, err
		}
	}

	return strings.Split(ip, "."), nil
}

// handleABOR interrupts the transfer in progress, if any. It replies 426 for the aborted
// transfer first when one was actually open, then 226 for ABOR itself; the transfer
// goroutine suppresses its own completion reply once the aborted flag is set.
func (c *clientHandler) handleABOR(_ string) error {
	c.transferMu.Lock()
	defer c.transferMu.Unlock()

	if c.transfer != nil {
		c.isTransferAborted = true

		if c.isTransferOpen {
			c.writeMessage(StatusTransferAborted, "Connection closed; transfer aborted")
		}

		if err := c.closeTransfer(); err != nil {
			c.logger.Warn("Problem aborting transfer", "err", err)
		}

		c.writeMessage(StatusClosingDataConn, "ABOR successful; closing transfer connection")
	} else {
		c.writeMessage(StatusClosingDataConn, "ABOR successful")
	}

	return nil
}
