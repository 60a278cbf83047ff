package ftpserver

import (
	"fmt"
	"strings"
	"time"
)

func (c *clientHandler) handleSYST(_ string) error {
	if c.server.settings.DisableSYST {
		c.writeMessage(StatusCommandNotImplemented, "SYST is disabled")

		return nil
	}

	c.writeMessage(StatusSystemType, "UNIX Type: L8")

	return nil
}

func (c *clientHandler) handleSTAT(param string) error {
	if param == "" { // Without a file, it's the server stat
		return c.handleSTATServer(param)
	}

	// With a file/dir it's the file or the dir's files stat
	return c.handleSTATFile(param)
}

func (c *clientHandler) handleSITE(param string) error {
	if c.server.settings.DisableSite {
		c.writeMessage(StatusSyntaxErrorNotRecognised, "SITE support is disabled")

		return nil
	}

	spl := strings.SplitN(param, " ", 2)
	verb := strings.ToUpper(spl[0])

	arg := ""
	if len(spl) > 1 {
		arg = spl[1]
	}

	switch verb {
	case "CHMOD":
		if len(spl) > 1 {
			c.handleCHMOD(arg)

			return nil
		}

		c.writeMessage(StatusSyntaxErrorParameters, "Missing SITE CHMOD parameters")

		return nil
	case "CHOWN":
		if len(spl) > 1 {
			c.handleCHOWN(arg)

			return nil
		}

		c.writeMessage(StatusSyntaxErrorParameters, "Missing SITE CHOWN parameters")

		return nil
	case "SYMLINK":
		c.handleSYMLINK(arg)

		return nil
	case "MKDIR":
		if len(spl) > 1 {
			c.handleSiteMKDIR(arg)

			return nil
		}
	case "RMDIR":
		if len(spl) > 1 {
			c.handleSiteRMDIR(arg)

			return nil
		}
	case "MD5":
		if len(spl) > 1 {
			c.handleSiteMD5(arg)

			return nil
		}
	}

	c.writeMessage(StatusSyntaxErrorNotRecognised, fmt.Sprintf("Unknown SITE subcommand: %s", verb))

	return nil
}

func (c *clientHandler) handleSiteMD5(param string) {
	if !c.siteMD5Allowed() {
		c.writeMessage(StatusCommandNotImplemented, "SITE MD5 is disabled")

		return
	}

	md5er, ok := c.storage.(Md5Capable)
	if !ok {
		c.writeMessage(StatusCommandNotImplemented, "This extension hasn't been implemented!")

		return
	}

	path := c.absPath(param)

	sum, err := md5er.Md5(c.user, path)
	if err != nil {
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("Couldn't compute MD5: %v", err))

		return
	}

	c.writeMessage(StatusFileOK, fmt.Sprintf("%s %s", sum, path))
}

func (c *clientHandler) siteMD5Allowed() bool {
	switch c.server.settings.SiteMD5EnabledFor {
	case SiteMD5All:
		return true
	case SiteMD5NonAnonymous:
		return c.user != nil && c.user.Principal.Username != "anonymous"
	default:
		return false
	}
}

func (c *clientHandler) handleSTATServer(_ string) error {
	if c.server.settings.DisableSTAT {
		c.writeMessage(StatusCommandNotImplemented, "STAT is disabled")

		return nil
	}

	defer c.multilineAnswer(StatusSystemStatus, "Server status")()

	duration := time.Now().UTC().Sub(c.connectedAt)
	duration -= duration % time.Second
	c.writeLineRaw(fmt.Sprintf(
		"Connected to %s from %s for %s",
		c.server.settings.ListenAddr,
		c.conn.RemoteAddr(),
		duration,
	))

	if username := c.GetLastUsername(); username != "" {
		c.writeLineRaw(fmt.Sprintf("Logged in as %s", username))
	} else {
		c.writeLineRaw("Not logged in yet")
	}

	if info := c.GetTranferInfo(); info != "" {
		c.writeLineRaw(fmt.Sprintf("Transfer in progress: %s", info))
	}

	c.writeLineRaw(c.server.settings.Greeting)

	return nil
}

func (c *clientHandler) handleOPTS(param string) error {
	args := strings.SplitN(param, " ", 2)
	if strings.EqualFold(args[0], "UTF8") {
		c.writeMessage(StatusOK, "I'm in UTF8 only anyway")

		return nil
	}

	if strings.EqualFold(args[0], "HASH") && c.server.settings.EnableHASH {
		hashMapping := getHashMapping()

		if len(args) > 1 {
			if value, ok := hashMapping[args[1]]; ok {
				c.selectedHashAlgo = value
				c.writeMessage(StatusOK, args[1])
			} else {
				c.writeMessage(StatusSyntaxErrorParameters, "Unknown algorithm, current selection not changed")
			}

			return nil
		}

		c.writeMessage(StatusOK, getHashName(c.selectedHashAlgo))

		return nil
	}

	c.writeMessage(StatusSyntaxErrorNotRecognised, "Don't know this option")

	return nil
}

func (c *clientHandler) handleNOOP(_ string) error {
	c.writeMessage(StatusOK, "OK")

	return nil
}

func (c *clientHandler) handleCLNT(param string) error {
	c.setClientVersion(param)
	c.writeMessage(StatusOK, "Good to know")

	return nil
}

func (c *clientHandler) handleHELP(_ string) error {
	defer c.multilineAnswer(StatusSystemStatus, "Available commands")()

	names := make([]string, 0, len(commandsMap))
	for name := range commandsMap {
		names = append(names, name)
	}

	const perLine = 8
	for i := 0; i < len(names); i += perLine {
		end := i + perLine
		if end > len(names) {
			end = len(names)
		}

		c.writeLineRaw(" " + strings.Join(names[i:end], " "))
	}

	return nil
}

func (c *clientHandler) handleFEAT(_ string) error {
	c.writeLineRaw(fmt.Sprintf("%d- These are my features", StatusSystemStatus))
	defer c.writeMessage(StatusSystemStatus, "end")

	features := []string{
		"CLNT",
		"UTF8",
		"SIZE",
		"MDTM",
		"REST STREAM",
	}

	if !c.server.settings.DisableMLSD {
		features = append(features, "MLSD")
	}

	if !c.server.settings.DisableMLST {
		features = append(features, "MLST type*;size*;modify*;perm*;unique*;")
	}

	if !c.server.settings.DisableMFMT {
		features = append(features, "MFMT")
	}

	if c.server.tlsIdentity.get() != nil {
		features = append(features, "AUTH TLS")
	}

	if c.server.settings.EnableMODEZ {
		features = append(features, "MODE Z")
	}

	if c.server.settings.EnableHASH {
		var hashLine strings.Builder

		nonStandardHashImpl := []string{"XCRC", "MD5", "XMD5", "XSHA", "XSHA1", "XSHA256", "XSHA512"}
		hashMapping := getHashMapping()

		for k, v := range hashMapping {
			hashLine.WriteString(k)

			if v == c.selectedHashAlgo {
				hashLine.WriteString("*")
			}

			hashLine.WriteString(";")
		}

		features = append(features, "HASH "+hashLine.String())
		features = append(features, nonStandardHashImpl...)
	}

	if c.server.settings.EnableCOMB {
		features = append(features, "COMB")
	}

	if c.userSupportsAvailableSpace() {
		features = append(features, "AVBL")
	}

	for _, f := range features {
		c.writeLineRaw(" " + f)
	}

	return nil
}

func (c *clientHandler) userSupportsAvailableSpace() bool {
	_, ok := c.storage.(AvailableSpaceCapable)

	return ok
}

func (c *clientHandler) handleTYPE(param string) error {
	switch strings.ToUpper(param) {
	case "I", "L 8":
		c.currentTransferType = TransferTypeBinary
		c.writeMessage(StatusOK, "Type set to binary")
	case "A", "A N", "L 7":
		c.currentTransferType = TransferTypeASCII
		c.writeMessage(StatusOK, "Type set to ASCII")
	default:
		c.writeMessage(StatusNotImplementedParam, "Unsupported transfer type")
	}

	return nil
}

func (c *clientHandler) handleQUIT(_ string) error {
	// a QUIT in the middle of a transfer waits for the transfer's completion reply
	c.transferWg.Wait()

	message := "Goodbye"
	if ext, ok := c.server.driver.(MainDriverExtensionQuitMessage); ok {
		message = ext.QuitMessage()
	}

	c.writeMessage(StatusClosingControlConn, message)
	c.disconnect()
	c.reader = nil

	return nil
}

func (c *clientHandler) handleAVBL(param string) error {
	avbl, ok := c.storage.(AvailableSpaceCapable)
	if !ok {
		c.writeMessage(StatusNotImplemented, "This extension hasn't been implemented!")

		return nil
	}

	path := c.absPath(param)

	info, err := c.storage.Metadata(c.user, path)
	if err != nil {
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("Couldn't access %s: %v", path, err))

		return nil
	}

	if !info.IsDir() {
		c.writeMessage(StatusActionNotTaken, fmt.Sprintf("%s: is not a directory", path))

		return nil
	}

	available, err := avbl.GetAvailableSpace(c.user, path)
	if err != nil {
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("Couldn't get space for path %s: %v", path, err))

		return nil
	}

	c.writeMessage(StatusFileStatus, fmt.Sprintf("%d", available))

	return nil
}
