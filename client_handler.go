package ftpserver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/corewind/ftpserver/log"
)

// maxCommandSize is the hard cap on one control-channel line. Anything longer is a
// protocol error: the line is refused with a 500 and the connection is dropped, so a
// client streaming garbage without CRLF can't grow our read buffer forever.
const maxCommandSize = 4096

var (
	errNoTransferConnection = errors.New("unable to open transfer: no transfer connection")
	errTLSRequired          = errors.New("unable to open transfer: TLS is required")
	errNoClientIP           = errors.New("unable to resolve client ip")
	errCommandTooLong       = errors.New("command line too long")
)

func getHashMapping() map[string]HASHAlgo {
	return map[string]HASHAlgo{
		"CRC32":   HASHAlgoCRC32,
		"MD5":     HASHAlgoMD5,
		"SHA-1":   HASHAlgoSHA1,
		"SHA-256": HASHAlgoSHA256,
		"SHA-512": HASHAlgoSHA512,
	}
}

func getHashName(algo HASHAlgo) string {
	for k, v := range getHashMapping() {
		if v == algo {
			return k
		}
	}

	return ""
}

// nolint: maligned
type clientHandler struct {
	id       uint32         // ID of the client
	server   *FtpServer     // Server on which the connection was accepted
	storage  StorageBackend // Storage adapter bound to the authenticated user, nil pre-auth
	user     *UserDetail    // Authenticated user detail, nil pre-auth
	username string         // USER argument, pending PASS
	conn     net.Conn       // TCP connection
	writer   *bufio.Writer  // Writer on the TCP connection
	reader   *bufio.Reader  // Reader on the TCP connection
	writeMu  sync.Mutex     // serializes writes to the control channel

	path                string          // Current path
	clnt                string          // Identified client
	command             string          // Command received on the connection
	connectedAt         time.Time       // Date of connection
	ctxRnfr             string          // Rename from
	ctxRest             int64           // Restart point
	debug               bool            // Show debugging info on the server side
	transferTLS         bool            // Use TLS for transfer connection
	controlTLS          bool            // Use TLS for control connection
	selectedHashAlgo    HASHAlgo        // algorithm used when we receive the HASH command
	state               sessionState    // explicit session state, see session_state.go
	logger              log.Logger      // Client handler logging
	currentTransferType TransferType    // current transfer type
	currentTransferMode TransferMode    // current transfer mode (stream or deflate)
	lastDataChannel     DataChannel     // last PASV/EPSV/PORT/EPRT channel type
	extra               interface{}     // embedder-owned value, see ClientContext
	sessionTLSReq       *TLSRequirement // per-session TLS requirement override, nil = settings

	transferWg        sync.WaitGroup  // wait group for commands that open a transfer connection
	transferMu        sync.Mutex      // protects the transfer parameters below
	transfer          transferHandler // Transfer connection (passive or active)
	isTransferOpen    bool            // indicates if the transfer connection is opened
	isTransferAborted bool            // indicates if the transfer was aborted
	paramsMutex       sync.RWMutex    // protects the parameters exposed to library users and state
}

// newClientHandler initializes a client handler when someone connects.
func (server *FtpServer) newClientHandler(connection net.Conn, id uint32, transferType TransferType) *clientHandler {
	return &clientHandler{
		server:              server,
		conn:                connection,
		id:                  id,
		writer:              bufio.NewWriter(connection),
		reader:              bufio.NewReaderSize(connection, maxCommandSize),
		connectedAt:         time.Now().UTC(),
		path:                "/",
		selectedHashAlgo:    HASHAlgoSHA256,
		currentTransferType: transferType,
		state:               stateGreet,
		logger:              server.Logger.With("clientId", id),
	}
}

func (c *clientHandler) disconnect() {
	if err := c.conn.Close(); err != nil && !isClosedConnError(err) {
		c.logger.Warn("Problem disconnecting a client", "err", err)
	}
}

// Path provides the current working directory of the client.
func (c *clientHandler) Path() string {
	c.paramsMutex.RLock()
	defer c.paramsMutex.RUnlock()

	return c.path
}

// SetPath changes the current working directory.
func (c *clientHandler) SetPath(value string) {
	c.paramsMutex.Lock()
	defer c.paramsMutex.Unlock()

	c.path = value
}

// Debug defines if we will list all interaction.
func (c *clientHandler) Debug() bool {
	c.paramsMutex.RLock()
	defer c.paramsMutex.RUnlock()

	return c.debug
}

// SetDebug changes the debug flag.
func (c *clientHandler) SetDebug(debug bool) {
	c.paramsMutex.Lock()
	defer c.paramsMutex.Unlock()

	c.debug = debug
}

// ID provides the client's ID.
func (c *clientHandler) ID() uint32 { return c.id }

// RemoteAddr returns the remote network address.
func (c *clientHandler) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// LocalAddr returns the local network address.
func (c *clientHandler) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// GetClientVersion returns the identified client, can be empty.
func (c *clientHandler) GetClientVersion() string {
	c.paramsMutex.RLock()
	defer c.paramsMutex.RUnlock()

	return c.clnt
}

func (c *clientHandler) setClientVersion(value string) {
	c.paramsMutex.Lock()
	defer c.paramsMutex.Unlock()

	c.clnt = value
}

// GetLastDataChannel returns the channel type of the most recent data-channel setup
// command.
func (c *clientHandler) GetLastDataChannel() DataChannel {
	c.paramsMutex.RLock()
	defer c.paramsMutex.RUnlock()

	return c.lastDataChannel
}

func (c *clientHandler) setLastDataChannel(channel DataChannel) {
	c.paramsMutex.Lock()
	defer c.paramsMutex.Unlock()

	c.lastDataChannel = channel
}

// SetExtra attaches an embedder-owned value to the session.
func (c *clientHandler) SetExtra(extra interface{}) {
	c.paramsMutex.Lock()
	defer c.paramsMutex.Unlock()

	c.extra = extra
}

// Extra returns the value attached with SetExtra, nil if there is none.
func (c *clientHandler) Extra() interface{} {
	c.paramsMutex.RLock()
	defer c.paramsMutex.RUnlock()

	return c.extra
}

// tlsRequirement resolves the TLS policy for this session: the per-client override when
// the driver provided one, the server-wide setting otherwise.
func (c *clientHandler) tlsRequirement() TLSRequirement {
	c.paramsMutex.RLock()
	override := c.sessionTLSReq
	c.paramsMutex.RUnlock()

	if override != nil {
		return *override
	}

	return c.server.settings.TLSRequired
}

func (c *clientHandler) setTLSRequirement(requirement TLSRequirement) {
	c.paramsMutex.Lock()
	defer c.paramsMutex.Unlock()

	c.sessionTLSReq = &requirement
}

// HasTLSForControl returns true if the control connection is over TLS.
func (c *clientHandler) HasTLSForControl() bool {
	if c.tlsRequirement() == ImplicitEncryption {
		return true
	}

	c.paramsMutex.RLock()
	defer c.paramsMutex.RUnlock()

	return c.controlTLS
}

func (c *clientHandler) setTLSForControl(value bool) {
	c.paramsMutex.Lock()
	defer c.paramsMutex.Unlock()

	c.controlTLS = value
}

// HasTLSForTransfers returns true if the transfer connection is over TLS.
func (c *clientHandler) HasTLSForTransfers() bool {
	if c.tlsRequirement() == ImplicitEncryption {
		return true
	}

	c.paramsMutex.RLock()
	defer c.paramsMutex.RUnlock()

	return c.transferTLS
}

func (c *clientHandler) setTLSForTransfer(value bool) {
	c.paramsMutex.Lock()
	defer c.paramsMutex.Unlock()

	c.transferTLS = value
}

// GetLastCommand returns the last received command.
func (c *clientHandler) GetLastCommand() string {
	c.paramsMutex.RLock()
	defer c.paramsMutex.RUnlock()

	return c.command
}

func (c *clientHandler) SetLastCommand(cmd string) {
	c.paramsMutex.Lock()
	defer c.paramsMutex.Unlock()

	c.command = cmd
}

// setRestOffset records the offset set by REST, to be consumed by the next transfer command.
func (c *clientHandler) setRestOffset(offset int64) {
	c.paramsMutex.Lock()
	defer c.paramsMutex.Unlock()

	c.ctxRest = offset
}

// takeRestOffset returns the pending REST offset and resets it to zero: it's good for one
// transfer command only.
func (c *clientHandler) takeRestOffset() int64 {
	c.paramsMutex.Lock()
	defer c.paramsMutex.Unlock()

	offset := c.ctxRest
	c.ctxRest = 0

	return offset
}

// setRnfrPath records the path set by RNFR, to be consumed by the next RNTO.
func (c *clientHandler) setRnfrPath(path string) {
	c.paramsMutex.Lock()
	defer c.paramsMutex.Unlock()

	c.ctxRnfr = path
}

// takeRnfrPath returns the pending RNFR path and clears it: it's good for one RNTO only.
func (c *clientHandler) takeRnfrPath() string {
	c.paramsMutex.Lock()
	defer c.paramsMutex.Unlock()

	path := c.ctxRnfr
	c.ctxRnfr = ""

	return path
}

func (c *clientHandler) closeTransfer() error {
	var err error
	if c.transfer != nil {
		err = c.transfer.Close()
		c.isTransferOpen = false
		c.transfer = nil

		if c.debug {
			c.logger.Debug("Transfer connection closed")
		}
	}

	return err
}

// Close closes the active transfer, if any, and the control connection.
func (c *clientHandler) Close() error {
	c.transferMu.Lock()
	defer c.transferMu.Unlock()

	c.isTransferAborted = true

	if err := c.closeTransfer(); err != nil {
		c.logger.Warn("Problem closing a transfer on external close request", "err", err)
	}

	return c.conn.Close()
}

func (c *clientHandler) end() {
	c.setState(stateClosed)
	c.server.driver.ClientDisconnected(c)
	c.server.clientDeparture(c)

	c.emitPresenceEvent(PresenceEvent{
		Kind:       PresenceSessionEnded,
		SessionID:  c.id,
		RemoteAddr: c.conn.RemoteAddr().String(),
		Username:   c.GetLastUsername(),
		At:         time.Now().UTC(),
	})

	c.transferMu.Lock()
	if err := c.closeTransfer(); err != nil {
		c.logger.Warn("Problem closing a transfer", "err", err)
	}
	c.transferMu.Unlock()

	_ = c.conn.Close()
}

// GetLastUsername returns the USER argument, authenticated or not; used for presence
// events and STAT server output.
func (c *clientHandler) GetLastUsername() string {
	c.paramsMutex.RLock()
	defer c.paramsMutex.RUnlock()

	if c.user != nil {
		return c.user.Principal.Username
	}

	return c.username
}

func (c *clientHandler) isCommandAborted() bool {
	c.transferMu.Lock()
	defer c.transferMu.Unlock()

	return c.isTransferAborted
}

func (c *clientHandler) emitPresenceEvent(evt PresenceEvent) {
	if c.server == nil {
		return
	}

	c.server.events.presence(evt)
}

func (c *clientHandler) emitDataEvent(evt DataEvent) {
	if c.server == nil {
		return
	}

	c.server.events.data(evt)
}

// HandleCommands reads the stream of commands.
func (c *clientHandler) HandleCommands() {
	defer c.end()

	c.emitPresenceEvent(PresenceEvent{
		Kind:       PresenceSessionStarted,
		SessionID:  c.id,
		RemoteAddr: c.conn.RemoteAddr().String(),
		At:         time.Now().UTC(),
	})

	msg, err := c.server.driver.ClientConnected(c)
	if err != nil {
		c.writeMessage(StatusSyntaxErrorNotRecognised, msg)

		return
	}

	if ext, ok := c.server.driver.(MainDriverExtensionPerClientTLSRequirement); ok {
		if requirement := ext.GetTLSRequirement(c); requirement != ClearOrEncrypted {
			c.setTLSRequirement(requirement)
		}
	}

	c.setState(stateAwaitUser)
	c.writeMessage(StatusServiceReady, msg)

	for {
		if c.reader == nil {
			if c.debug {
				c.logger.Debug("Client disconnected", "clean", true)
			}

			return
		}

		c.refreshIdleDeadline()

		line, err := c.readCommandLine()
		if err != nil {
			if errors.Is(err, errCommandTooLong) {
				return
			}

			if c.handleCommandsStreamError(err) {
				return
			}

			continue
		}

		if c.debug {
			c.logger.Debug("Received line", "line", line)
		}

		c.handleCommand(line)
	}
}

// refreshIdleDeadline pushes the control-connection deadline to now+IdleTimeout, or clears
// it while a transfer is running so a long slow transfer doesn't count as idle time.
func (c *clientHandler) refreshIdleDeadline() {
	if c.server.settings.IdleTimeout <= 0 {
		return
	}

	deadline := time.Now().Add(time.Duration(c.server.settings.IdleTimeout) * time.Second)

	c.transferMu.Lock()
	if c.isTransferOpen {
		deadline = time.Time{}
	}
	c.transferMu.Unlock()

	if err := c.conn.SetDeadline(deadline); err != nil {
		c.logger.Error("Network error", "err", err)
	}
}

// readCommandLine reads one CRLF-terminated command, enforcing maxCommandSize.
func (c *clientHandler) readCommandLine() (string, error) {
	lineSlice, isPrefix, err := c.reader.ReadLine()
	if err != nil {
		return "", err
	}

	if isPrefix {
		c.writeMessage(StatusSyntaxErrorNotRecognised, "Line too long")
		c.disconnect()

		return "", errCommandTooLong
	}

	return string(lineSlice), nil
}

// isClosedConnError reports whether err is one of the "the peer is simply gone" errors
// that shouldn't be logged as server-side failures.
func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, net.ErrClosed) {
		return true
	}

	text := err.Error()

	return strings.Contains(text, "use of closed network connection") ||
		strings.Contains(text, "connection reset by peer")
}

// handleCommandsStreamError deals with a failed control-channel read and reports whether
// the session should end.
func (c *clientHandler) handleCommandsStreamError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if errSet := c.conn.SetDeadline(time.Now().Add(time.Minute)); errSet != nil {
			c.logger.Error("Could not set read deadline", "err", errSet)
		}

		c.logger.Info("Client IDLE timeout", "err", err)
		c.writeMessage(
			StatusServiceNotAvailable,
			fmt.Sprintf("command timeout (%d seconds): closing control connection", c.server.settings.IdleTimeout))

		if errFlush := c.writer.Flush(); errFlush != nil {
			c.logger.Error("Flush error", "err", errFlush)
		}

		c.disconnect()

		return true
	}

	switch {
	case errors.Is(err, io.EOF), isClosedConnError(err):
		if c.debug {
			c.logger.Debug("Client disconnected", "clean", false)
		}
	default:
		c.logger.Error("Read error", "err", err)
	}

	return true
}

// handleCommand takes care of executing the received line.
func (c *clientHandler) handleCommand(line string) {
	command, param := parseLine(line)
	command = strings.ToUpper(command)

	cmdDesc := commandsMap[command]
	if cmdDesc == nil {
		for _, cmd := range specialAttentionCommands {
			if strings.HasSuffix(command, cmd) {
				cmdDesc = commandsMap[cmd]
				command = cmd

				break
			}
		}

		if cmdDesc == nil {
			c.SetLastCommand(command)
			c.writeMessage(StatusSyntaxErrorNotRecognised, fmt.Sprintf("Unknown command %#v", command))

			return
		}
	}

	switch c.checkCommandLegality(cmdDesc) {
	case legalityClosed:
		return
	case legalityNeedsAuth:
		c.writeMessage(StatusNotLoggedIn, "Please login with USER and PASS")

		return
	case legalityAllowed:
	}

	// All commands are serialized except the ones that require special action, so we can
	// have at most one command that can open a transfer connection and one special action
	// command running at the same time. STAT is a special action command only in its server
	// form (no argument); STAT with a path is serialized, hence the additional check here.
	if !cmdDesc.SpecialAction || (command == "STAT" && param != "") {
		c.transferWg.Wait()
	}

	c.SetLastCommand(command)
	c.clearStaleTransactionState(command, cmdDesc)

	if cmdDesc.TransferRelated {
		c.transferMu.Lock()
		c.isTransferAborted = false
		c.transferMu.Unlock()

		c.transferWg.Add(1)

		go func(cmd, param string) {
			defer c.transferWg.Done()

			c.executeCommandFn(cmdDesc, cmd, param)
		}(command, param)
	} else {
		c.executeCommandFn(cmdDesc, command, param)
	}
}

// clearStaleTransactionState enforces the two single-command lookaheads a session carries:
// a REST offset is good for the transfer command that immediately follows it, and a RNFR
// path is good for the RNTO that immediately follows it. Any other command in between
// clears them.
func (c *clientHandler) clearStaleTransactionState(command string, cmdDesc *CommandDescription) {
	if command != "REST" && !cmdDesc.ConsumesRest {
		c.setRestOffset(0)
	}

	if command != "RNFR" && command != "RNTO" {
		c.takeRnfrPath()
	}
}

func (c *clientHandler) executeCommandFn(cmdDesc *CommandDescription, command, param string) {
	defer func() {
		if r := recover(); r != nil {
			c.writeMessage(StatusInternalError, fmt.Sprintf("Unhandled internal error: %s", r))
			c.logger.Warn("Internal command handling error", "err", r, "command", command, "param", param)
		}
	}()

	if err := cmdDesc.Fn(c, param); err != nil {
		c.writeMessage(StatusSyntaxErrorNotRecognised, fmt.Sprintf("Error: %s", err))
	}
}

func (c *clientHandler) GetTranferInfo() string {
	c.transferMu.Lock()
	defer c.transferMu.Unlock()

	if c.transfer == nil {
		return ""
	}

	return c.transfer.GetInfo()
}

// getIPFromRemoteAddr extracts the bare IP out of a connection address, refusing anything
// that isn't a TCP address with a usable IP.
func getIPFromRemoteAddr(remoteAddr net.Addr) (net.IP, error) {
	if remoteAddr == nil {
		return nil, errNoClientIP
	}

	ipPort, ok := remoteAddr.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("%w: %v is not a TCP address", errNoClientIP, remoteAddr)
	}

	if ipPort.IP == nil {
		return nil, &ipValidationError{error: fmt.Sprintf("invalid remote IP: %v", remoteAddr)}
	}

	return ipPort.IP, nil
}

// checkDataConnectionRequirement verifies that a data connection from dataConnIP is
// acceptable given the configured requirement for channelType.
func (c *clientHandler) checkDataConnectionRequirement(dataConnIP net.IP, channelType DataChannel) error {
	var requirement DataConnectionRequirement

	switch channelType {
	case DataChannelPassive:
		requirement = c.server.settings.PasvConnectionsCheck
	case DataChannelActive:
		requirement = c.server.settings.ActiveConnectionsCheck
	}

	switch requirement {
	case IPMatchRequired:
		controlConnIP, err := getIPFromRemoteAddr(c.RemoteAddr())
		if err != nil {
			return err
		}

		if !controlConnIP.Equal(dataConnIP) {
			return &ipValidationError{error: fmt.Sprintf(
				"data connection ip address %v does not match control connection ip address %v",
				dataConnIP, controlConnIP)}
		}

		return nil
	case IPMatchDisabled:
		return nil
	default:
		return &ipValidationError{error: fmt.Sprintf("unhandled data connection requirement: %v", requirement)}
	}
}

func (c *clientHandler) TransferOpen(info string) (net.Conn, error) {
	c.transferMu.Lock()
	defer c.transferMu.Unlock()

	if c.transfer == nil {
		if c.isTransferAborted {
			c.isTransferAborted = false

			return nil, errNoTransferConnection
		}

		c.writeMessage(StatusActionNotTaken, errNoTransferConnection.Error())

		return nil, errNoTransferConnection
	}

	if c.tlsRequirement() == MandatoryEncryption && !c.HasTLSForTransfers() {
		c.writeMessage(StatusServiceNotAvailable, errTLSRequired.Error())

		return nil, errTLSRequired
	}

	conn, err := c.transfer.Open()
	if err != nil {
		c.logger.Warn("Unable to open transfer", "error", err)

		var errValidation *ipValidationError
		if errors.As(err, &errValidation) {
			c.writeMessage(StatusCannotOpenDataConnection, "data connection security requirements not met")
		} else {
			c.writeMessage(StatusCannotOpenDataConnection, err.Error())
		}

		return nil, err
	}

	c.isTransferOpen = true
	c.transfer.SetInfo(info)

	// A slow transfer must not count as control-channel idle time.
	if c.server.settings.IdleTimeout > 0 {
		if errSet := c.conn.SetDeadline(time.Time{}); errSet != nil {
			c.logger.Warn("Could not clear deadline for transfer", "err", errSet)
		}
	}

	if path := strings.TrimPrefix(info, "STOU "); path != info {
		c.writeMessage(StatusFileStatusOK, "FILE: "+path)
	} else {
		c.writeMessage(StatusFileStatusOK, "Using transfer connection")
	}

	if c.debug {
		c.logger.Debug(
			"Transfer connection opened",
			"remoteAddr", conn.RemoteAddr().String(),
			"localAddr", conn.LocalAddr().String())
	}

	c.emitDataEvent(DataEvent{
		Kind:      DataTransferStarted,
		SessionID: c.id,
		Path:      info,
		Direction: c.transferDirection(info),
		At:        time.Now().UTC(),
	})

	return conn, err
}

// transferDirection derives the direction of a transfer from its info line, which always
// starts with the triggering verb.
func (c *clientHandler) transferDirection(info string) TransferDirection {
	switch {
	case strings.HasPrefix(info, "STOR"), strings.HasPrefix(info, "APPE"), strings.HasPrefix(info, "STOU"):
		return DirectionUpload
	default:
		return DirectionDownload
	}
}

func (c *clientHandler) TransferClose(err error) {
	c.transferMu.Lock()
	defer c.transferMu.Unlock()

	info := ""
	if c.transfer != nil {
		info = c.transfer.GetInfo()
	}

	errClose := c.closeTransfer()
	if errClose != nil {
		c.logger.Warn("Problem closing transfer connection", "err", errClose)
	}

	if c.server != nil && c.server.settings.IdleTimeout > 0 {
		deadline := time.Now().Add(time.Duration(c.server.settings.IdleTimeout) * time.Second)
		if errSet := c.conn.SetDeadline(deadline); errSet != nil {
			c.logger.Warn("Could not restore deadline after transfer", "err", errSet)
		}
	}

	c.emitDataEvent(DataEvent{
		Kind:      DataTransferCompleted,
		SessionID: c.id,
		Path:      info,
		Direction: c.transferDirection(info),
		Err:       err,
		At:        time.Now().UTC(),
	})

	if c.isTransferAborted {
		c.isTransferAborted = false

		return
	}

	switch {
	case err == nil && errClose == nil:
		c.writeMessage(StatusClosingDataConn, "Closing transfer connection")
	case errClose != nil:
		c.writeMessage(StatusActionNotTaken, fmt.Sprintf("Issue during transfer close: %v", errClose))
	case err != nil:
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("Issue during transfer: %v", err))
	}
}
