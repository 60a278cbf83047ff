package ftpserver

import (
	"crypto/md5"  //nolint:gosec
	"crypto/sha1" //nolint:gosec
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"
)

var errUnknownHash = errors.New("unknown hash algorithm")

func (c *clientHandler) handleSTOR(param string) error {
	return c.storeFile(param, false, fmt.Sprintf("STOR %v", param))
}

func (c *clientHandler) handleAPPE(param string) error {
	return c.storeFile(param, true, fmt.Sprintf("APPE %v", param))
}

// handleSTOU implements STOU (store unique): a server-chosen name is derived when param is
// empty, and the resulting path is echoed in the transfer's opening reply per RFC 959.
func (c *clientHandler) handleSTOU(param string) error {
	if param == "" {
		param = fmt.Sprintf("stou.%d.%d", c.id, time.Now().UnixNano())
	}

	return c.storeFile(param, false, fmt.Sprintf("STOU %v", c.absPath(param)))
}

func (c *clientHandler) storeFile(param string, appendMode bool, info string) error {
	filePath := c.absPath(param)
	offset := c.takeRestOffset()

	if appendMode {
		offset = 0

		if meta, err := c.storage.Metadata(c.user, filePath); err == nil {
			offset = meta.Size()
		}
	}

	tr, err := c.TransferOpen(info)
	if err != nil {
		return nil //nolint:nilerr // the open failure was already reported on the control channel
	}

	stream, closeStream, err := c.getTransferStream(tr)
	if err != nil {
		c.TransferClose(err)

		return nil //nolint:nilerr
	}

	written, err := c.storage.Put(c.user, filePath, stream, offset)

	if errClose := closeStream(); errClose != nil && err == nil {
		err = errClose
	}

	if written > 0 {
		c.emitDataEvent(DataEvent{
			Kind:             DataBytesTransferred,
			SessionID:        c.id,
			Path:             filePath,
			Direction:        DirectionUpload,
			BytesTransferred: written,
			At:               time.Now().UTC(),
		})
	}

	c.TransferClose(err)

	return nil
}

func (c *clientHandler) handleRETR(param string) error {
	filePath := c.absPath(param)
	offset := c.takeRestOffset()

	reader, err := c.storage.Get(c.user, filePath, offset)
	if err != nil {
		if !c.isCommandAborted() {
			c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("Could not retrieve %s: %v", filePath, err))
		}

		return nil
	}

	tr, err := c.TransferOpen(fmt.Sprintf("RETR %v", param))
	if err != nil {
		c.closeUnchecked(reader)

		return nil
	}

	stream, closeStream, err := c.getTransferStream(tr)
	if err != nil {
		c.closeUnchecked(reader)
		c.TransferClose(err)

		return nil
	}

	copied, errCopy := io.Copy(stream, reader)

	if errClose := closeStream(); errClose != nil && errCopy == nil {
		errCopy = errClose
	}

	if errClose := reader.Close(); errClose != nil && errCopy == nil {
		errCopy = errClose
	}

	if copied > 0 {
		c.emitDataEvent(DataEvent{
			Kind:             DataBytesTransferred,
			SessionID:        c.id,
			Path:             filePath,
			Direction:        DirectionDownload,
			BytesTransferred: copied,
			At:               time.Now().UTC(),
		})
	}

	c.TransferClose(errCopy)

	return nil
}

func (c *clientHandler) handleCOMB(param string) error {
	if !c.server.settings.EnableCOMB {
		c.writeMessage(StatusCommandNotImplemented, "COMB support is disabled")

		return nil
	}

	relativePaths, err := unquoteSpaceSeparatedParams(param)
	if err != nil || len(relativePaths) < 2 {
		c.writeMessage(StatusSyntaxErrorParameters, fmt.Sprintf("invalid COMB parameters: %v", param))

		return nil
	}

	targetPath := c.absPath(relativePaths[0])

	sourcePaths := make([]string, 0, len(relativePaths)-1)
	for _, src := range relativePaths[1:] {
		sourcePaths = append(sourcePaths, c.absPath(src))
	}

	c.combineFiles(targetPath, sourcePaths)

	return nil
}

func (c *clientHandler) combineFiles(targetPath string, sourcePaths []string) {
	var offset int64
	if meta, err := c.storage.Metadata(c.user, targetPath); err == nil {
		offset = meta.Size()
	}

	for _, partial := range sourcePaths {
		src, err := c.storage.Get(c.user, partial, 0)
		if err != nil {
			c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("Could not access file %q: %v", partial, err))

			return
		}

		written, err := c.storage.Put(c.user, targetPath, src, offset)
		c.closeUnchecked(src)

		if err != nil {
			c.writeMessage(StatusActionNotTaken, fmt.Sprintf("Could not combine file %q: %v", partial, err))

			return
		}

		offset += written

		if err := c.storage.Del(c.user, partial); err != nil {
			c.writeMessage(StatusActionNotTaken, fmt.Sprintf("Could not delete file %q after combine: %v", partial, err))

			return
		}
	}

	c.writeMessage(StatusFileOK, "COMB succeeded!")
}

func (c *clientHandler) handleCHMOD(params string) {
	spl := strings.SplitN(params, " ", 2)
	if len(spl) != 2 {
		c.writeMessage(StatusSyntaxErrorParameters, "bad command")

		return
	}

	modeNb, err := strconv.ParseUint(spl[0], 8, 32)
	if err != nil {
		c.writeMessage(StatusSyntaxErrorParameters, fmt.Sprintf("bad mode: %v", err))

		return
	}

	chmod, ok := c.storage.(ChmodCapable)
	if !ok {
		c.writeMessage(StatusCommandNotImplemented, "This extension hasn't been implemented!")

		return
	}

	p := c.absPath(spl[1])
	if err := chmod.Chmod(c.user, p, os.FileMode(modeNb)); err != nil {
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), err.Error())

		return
	}

	c.writeMessage(StatusOK, "SITE CHMOD command successful")
}

// https://www.raidenftpd.com/en/raiden-ftpd-doc/help-sitecmd.html (wildcards aren't supported)
func (c *clientHandler) handleCHOWN(params string) {
	spl := strings.SplitN(params, " ", 2)
	if len(spl) != 2 {
		c.writeMessage(StatusSyntaxErrorParameters, "bad command")

		return
	}

	chown, ok := c.storage.(ChownCapable)
	if !ok {
		c.writeMessage(StatusCommandNotImplemented, "This extension hasn't been implemented!")

		return
	}

	usergroup := strings.SplitN(spl[0], ":", 2)
	userID, _ := strconv.Atoi(usergroup[0])

	var groupID int
	if len(usergroup) > 1 {
		groupID, _ = strconv.Atoi(usergroup[1])
	}

	p := c.absPath(spl[1])

	if err := chown.Chown(c.user, p, userID, groupID); err != nil {
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("Couldn't chown: %v", err))

		return
	}

	c.writeMessage(StatusOK, "Done!")
}

// https://learn.akamai.com/en-us/webhelp/netstorage/netstorage-user-guide/
// GUID-AB301948-C6FF-4957-9291-FE3F02457FD0.html
func (c *clientHandler) handleSYMLINK(params string) {
	spl := strings.Split(params, " ")
	if len(spl) != 2 || spl[0] == "" || spl[1] == "" {
		c.writeMessage(StatusSyntaxErrorParameters, "bad command")

		return
	}

	symlink, ok := c.storage.(SymlinkCapable)
	if !ok {
		c.writeMessage(StatusCommandNotImplemented, "This extension hasn't been implemented!")

		return
	}

	oldname := c.absPath(spl[0])
	newname := c.absPath(spl[1])

	if err := symlink.Symlink(c.user, oldname, newname); err != nil {
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("Couldn't symlink: %v", err))

		return
	}

	c.writeMessage(StatusOK, "Done!")
}

// handleSiteMKDIR implements SITE MKDIR: it creates the full chain of missing directories
// leading to the given path.
func (c *clientHandler) handleSiteMKDIR(param string) {
	target := c.absPath(param)

	var built string

	for _, seg := range strings.Split(target, "/") {
		if seg == "" {
			continue
		}

		built += "/" + seg

		if meta, err := c.storage.Metadata(c.user, built); err == nil && meta.IsDir() {
			continue
		}

		if err := c.storage.Mkd(c.user, built); err != nil {
			c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("Could not create %s: %v", built, err))

			return
		}
	}

	c.writeMessage(StatusFileOK, fmt.Sprintf("Created %s", target))
}

// handleSiteRMDIR implements SITE RMDIR: it deletes a directory and everything below it,
// depth first.
func (c *clientHandler) handleSiteRMDIR(param string) {
	target := c.absPath(param)

	if err := c.removeRecursively(target); err != nil {
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("Could not delete %s: %v", target, err))

		return
	}

	c.writeMessage(StatusFileOK, fmt.Sprintf("Deleted %s", target))
}

func (c *clientHandler) removeRecursively(target string) error {
	meta, err := c.storage.Metadata(c.user, target)
	if err != nil {
		return err
	}

	if !meta.IsDir() {
		return c.storage.Del(c.user, target)
	}

	entries, err := c.storage.List(c.user, target)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := c.removeRecursively(path.Join(target, entry.Name())); err != nil {
			return err
		}
	}

	return c.storage.Rmd(c.user, target)
}

func (c *clientHandler) handleDELE(param string) error {
	p := c.absPath(param)
	if err := c.storage.Del(c.user, p); err != nil {
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("Couldn't delete %s: %v", p, err))

		return nil
	}

	c.writeMessage(StatusFileOK, fmt.Sprintf("Removed file %s", p))

	return nil
}

func (c *clientHandler) handleRNFR(param string) error {
	p := c.absPath(param)
	if _, err := c.storage.Metadata(c.user, p); err != nil {
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("Couldn't access %s: %v", p, err))

		return nil
	}

	c.setRnfrPath(p)
	c.writeMessage(StatusFileActionPending, "Sure, give me a target")

	return nil
}

func (c *clientHandler) handleRNTO(param string) error {
	dst := c.absPath(param)

	from := c.takeRnfrPath()
	if from == "" {
		c.writeMessage(StatusBadCommandSequence, "RNFR is expected before RNTO")

		return nil
	}

	if err := c.storage.Rename(c.user, from, dst); err != nil {
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("Couldn't rename %s to %s: %v", from, dst, err))

		return nil
	}

	c.writeMessage(StatusFileOK, "Done!")

	return nil
}

// SIZE in ASCII mode would require a full pass over the file to compute the translated
// length, so it's rejected outright; clients should switch to binary mode to resume
// downloads, per RFC 3659.
func (c *clientHandler) handleSIZE(param string) error {
	if c.currentTransferType == TransferTypeASCII {
		c.writeMessage(StatusActionNotTaken, "SIZE not allowed in ASCII mode")

		return nil
	}

	p := c.absPath(param)
	if info, err := c.storage.Metadata(c.user, p); err == nil {
		c.writeMessage(StatusFileStatus, fmt.Sprintf("%d", info.Size()))
	} else {
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("Couldn't access %s: %v", p, err))
	}

	return nil
}

func (c *clientHandler) handleSTATFile(param string) error {
	p := c.absPath(param)

	info, err := c.storage.Metadata(c.user, p)
	if err != nil {
		c.writeMessage(getErrorCode(err, StatusFileActionNotTaken), fmt.Sprintf("Could not STAT: %v", err))

		return nil
	}

	if !info.IsDir() {
		defer c.multilineAnswer(StatusFileStatus, fmt.Sprintf("STAT %v", param))()
		c.writeLineRaw(fmt.Sprintf(" %s", c.fileStat(info)))

		return nil
	}

	defer c.multilineAnswer(StatusDirectoryStatus, fmt.Sprintf("STAT %v", param))()

	if files, errList := c.storage.List(c.user, p); errList == nil {
		for _, f := range files {
			c.writeLineRaw(fmt.Sprintf(" %s", c.fileStat(f)))
		}
	}

	return nil
}

func (c *clientHandler) handleMLST(param string) error {
	if c.server.settings.DisableMLST {
		c.writeMessage(StatusSyntaxErrorNotRecognised, "MLST has been disabled")

		return nil
	}

	p := c.absPath(param)

	info, err := c.storage.Metadata(c.user, p)
	if err != nil {
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("Could not list: %v", err))

		return nil
	}

	defer c.multilineAnswer(StatusFileOK, "File details")()

	return c.writeMLSxOutput(c.writer, info)
}

func (c *clientHandler) handleALLO(param string) error {
	size, err := strconv.Atoi(param)
	if err != nil {
		c.writeMessage(StatusSyntaxErrorParameters, fmt.Sprintf("Couldn't parse size: %v", err))

		return nil
	}

	allocator, ok := c.storage.(AllocateCapable)
	if !ok {
		c.writeMessage(StatusNotImplemented, "This extension hasn't been implemented!")

		return nil
	}

	if err := allocator.AllocateSpace(c.user, size); err != nil {
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("Couldn't allocate: %v", err))

		return nil
	}

	c.writeMessage(StatusOK, "Done!")

	return nil
}

func (c *clientHandler) handleREST(param string) error {
	if c.currentTransferType == TransferTypeASCII {
		c.writeMessage(StatusSyntaxErrorParameters, "Resuming transfers not allowed in ASCII mode")

		return nil
	}

	size, err := strconv.ParseInt(param, 10, 64)
	if err != nil || size < 0 {
		c.writeMessage(StatusSyntaxErrorParameters, fmt.Sprintf("Couldn't parse size: %v", param))

		return nil
	}

	c.setRestOffset(size)
	c.writeMessage(StatusFileActionPending, "OK")

	return nil
}

func (c *clientHandler) handleMDTM(param string) error {
	p := c.absPath(param)
	if info, err := c.storage.Metadata(c.user, p); err == nil {
		c.writeMessage(StatusFileStatus, info.ModTime().UTC().Format(dateFormatMLSD))
	} else {
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("Couldn't access %s: %v", p, err))
	}

	return nil
}

// RFC draft: https://tools.ietf.org/html/draft-somers-ftp-mfxx-04#section-3.1
func (c *clientHandler) handleMFMT(param string) error {
	if c.server.settings.DisableMFMT {
		c.writeMessage(StatusSyntaxErrorNotRecognised, "MFMT has been disabled")

		return nil
	}

	params := strings.SplitN(param, " ", 2)
	if len(params) != 2 {
		c.writeMessage(StatusSyntaxErrorNotRecognised, fmt.Sprintf("Couldn't set mtime, not enough params, given: %s", param))

		return nil
	}

	mtime, err := time.Parse(dateFormatMLSD, params[0])
	if err != nil {
		c.writeMessage(StatusSyntaxErrorParameters, fmt.Sprintf("Couldn't parse mtime, given: %s, err: %v", params[0], err))

		return nil
	}

	mfmt, ok := c.storage.(MfmtCapable)
	if !ok {
		c.writeMessage(StatusCommandNotImplemented, "This extension hasn't been implemented!")

		return nil
	}

	p := c.absPath(params[1])

	if err := mfmt.Chtimes(c.user, p, mtime); err != nil {
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("Couldn't set mtime %q for %q, err: %v",
			mtime.Format(time.RFC3339), p, err))

		return nil
	}

	c.writeMessage(StatusFileStatus, fmt.Sprintf("Modify=%s; %s", params[0], params[1]))

	return nil
}

func (c *clientHandler) handleHASH(param string) error {
	return c.handleGenericHash(param, c.selectedHashAlgo, false)
}

func (c *clientHandler) handleCRC32(param string) error {
	return c.handleGenericHash(param, HASHAlgoCRC32, true)
}

func (c *clientHandler) handleMD5(param string) error {
	return c.handleGenericHash(param, HASHAlgoMD5, true)
}

func (c *clientHandler) handleSHA1(param string) error {
	return c.handleGenericHash(param, HASHAlgoSHA1, true)
}

func (c *clientHandler) handleSHA256(param string) error {
	return c.handleGenericHash(param, HASHAlgoSHA256, true)
}

func (c *clientHandler) handleSHA512(param string) error {
	return c.handleGenericHash(param, HASHAlgoSHA512, true)
}

func (c *clientHandler) handleGenericHash(param string, algo HASHAlgo, isCustomMode bool) error {
	if !c.server.settings.EnableHASH {
		c.writeMessage(StatusCommandNotImplemented, "File hash support is disabled")

		return nil
	}

	args := strings.SplitN(param, " ", 3)
	p := c.absPath(args[0])

	info, err := c.storage.Metadata(c.user, p)
	if err != nil {
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("%v: %v", param, err))

		return nil
	}

	if info.IsDir() {
		c.writeMessage(StatusActionNotTakenNoFile, fmt.Sprintf("%v is not a regular file", param))

		return nil
	}

	start := int64(0)
	end := info.Size()

	if isCustomMode {
		if len(args) > 1 {
			if start, err = strconv.ParseInt(args[1], 10, 64); err != nil {
				c.writeMessage(StatusSyntaxErrorParameters, fmt.Sprintf("invalid start offset %v: %v", args[1], err))

				return nil
			}
		}

		if len(args) > 2 {
			if end, err = strconv.ParseInt(args[2], 10, 64); err != nil {
				c.writeMessage(StatusSyntaxErrorParameters, fmt.Sprintf("invalid end offset %v: %v", args[2], err))

				return nil
			}
		}
	}

	var result string

	if hasher, ok := c.storage.(HashCapable); ok {
		result, err = hasher.ComputeHash(c.user, p, algo, start, end)
	} else {
		result, err = c.computeHashForFile(p, algo, start, end)
	}

	if err != nil {
		c.writeMessage(StatusActionNotTaken, fmt.Sprintf("%v: %v", p, err))

		return nil
	}

	hashName := getHashName(algo)
	firstLine := fmt.Sprintf("Computing %v digest", hashName)

	if isCustomMode {
		c.writeMessage(StatusFileOK, fmt.Sprintf("%v\r\n%v", firstLine, result))

		return nil
	}

	c.writeMessage(StatusFileStatus, fmt.Sprintf("%v\r\n%v %v-%v %v %v", firstLine, hashName, start, end, result, p))

	return nil
}

func (c *clientHandler) computeHashForFile(filePath string, algo HASHAlgo, start, end int64) (string, error) {
	var h hash.Hash

	switch algo {
	case HASHAlgoCRC32:
		h = crc32.NewIEEE()
	case HASHAlgoMD5:
		h = md5.New() //nolint:gosec
	case HASHAlgoSHA1:
		h = sha1.New() //nolint:gosec
	case HASHAlgoSHA256:
		h = sha256.New()
	case HASHAlgoSHA512:
		h = sha512.New()
	default:
		return "", errUnknownHash
	}

	file, err := c.storage.Get(c.user, filePath, start)
	if err != nil {
		return "", err
	}
	defer c.closeUnchecked(file)

	if _, err = io.CopyN(h, file, end-start); err != nil && err != io.EOF {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func (c *clientHandler) closeUnchecked(file io.Closer) {
	if err := file.Close(); err != nil {
		c.logger.Warn("Problem closing a file", "err", err)
	}
}
