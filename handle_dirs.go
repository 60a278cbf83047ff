package ftpserver

import (
	"fmt"
	"hash/fnv"
	"io"
	"path"
	"strings"
	"time"
	"unicode/utf8"
)

// the order matters, put parameters with more characters first
var supportedlistArgs = []string{"-al", "-la", "-a", "-l"} //nolint:gochecknoglobals

// absPath resolves param against the session's current working directory. Paths are
// always interpreted as UTF-8; invalid sequences are replaced before the storage adapter
// ever sees them, so backend behavior doesn't depend on client encoding bugs. The result
// is handed to the storage adapter verbatim; the adapter owns what the path actually
// means.
func (c *clientHandler) absPath(p string) string {
	if !utf8.ValidString(p) {
		p = strings.ToValidUTF8(p, string(utf8.RuneError))
	}

	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}

	return path.Clean(c.Path() + "/" + p)
}

// getRelativePath expresses target relative to the session's current working directory,
// used for informational replies and NLST names. Paths here are always logical FTP paths
// (forward-slash separated), never OS paths, so this is plain string manipulation rather
// than filepath.Rel.
func (c *clientHandler) getRelativePath(target string) string {
	base := path.Clean(c.Path())
	target = path.Clean(target)

	if base == target {
		return ""
	}

	baseSegs := splitPathSegments(base)
	targetSegs := splitPathSegments(target)

	common := 0
	for common < len(baseSegs) && common < len(targetSegs) && baseSegs[common] == targetSegs[common] {
		common++
	}

	var rel []string
	for i := common; i < len(baseSegs); i++ {
		rel = append(rel, "..")
	}

	rel = append(rel, targetSegs[common:]...)

	return strings.Join(rel, "/")
}

func splitPathSegments(p string) []string {
	var segs []string

	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}

	return segs
}

func (c *clientHandler) handleCWD(param string) error {
	p := c.absPath(param)

	canonical, err := c.storage.Cwd(c.user, p)
	if err != nil {
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("Can't change directory to %s: %v", p, err))

		return nil
	}

	c.SetPath(canonical)
	c.writeMessage(StatusFileOK, fmt.Sprintf("CD worked on %s", canonical))

	return nil
}

func (c *clientHandler) handleMKD(param string) error {
	p := c.absPath(param)
	if err := c.storage.Mkd(c.user, p); err != nil {
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf(`Could not create %q: %v`, quoteDoubling(p), err))

		return nil
	}

	// handleMKD conforms to "quote-doubling", https://tools.ietf.org/html/rfc959 page 63.
	c.writeMessage(StatusPathCreated, fmt.Sprintf(`"%s" created`, quoteDoubling(p)))

	return nil
}

func (c *clientHandler) handleRMD(param string) error {
	p := c.absPath(param)
	if err := c.storage.Rmd(c.user, p); err != nil {
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("Could not delete dir %s: %v", p, err))

		return nil
	}

	c.writeMessage(StatusFileOK, fmt.Sprintf("Deleted dir %s", p))

	return nil
}

func (c *clientHandler) handleCDUP(_ string) error {
	parent, _ := path.Split(c.Path())
	if parent != "/" && strings.HasSuffix(parent, "/") {
		parent = parent[0 : len(parent)-1]
	}

	canonical, err := c.storage.Cwd(c.user, parent)
	if err != nil {
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("CDUP issue: %v", err))

		return nil
	}

	c.SetPath(canonical)
	c.writeMessage(StatusFileOK, fmt.Sprintf("CDUP worked on %s", canonical))

	return nil
}

func (c *clientHandler) handlePWD(_ string) error {
	c.writeMessage(StatusPathCreated, fmt.Sprintf(`"%s" is the current directory`, quoteDoubling(c.Path())))

	return nil
}

// stripListArgs strips a leading "-l"/"-a"/... argument LIST/NLST clients sometimes send,
// but only when the remainder doesn't actually name an existing path (some servers host
// directories that are legitimately named "-la").
func (c *clientHandler) stripListArgs(param string) string {
	lower := strings.ToLower(param)

	for _, arg := range supportedlistArgs {
		if strings.HasPrefix(lower, arg) {
			if _, err := c.storage.Metadata(c.user, c.absPath(param)); err != nil {
				fields := strings.SplitN(param, " ", 2)
				if len(fields) == 1 {
					return ""
				}

				return fields[1]
			}
		}
	}

	return param
}

func (c *clientHandler) handleLIST(param string) error {
	if !c.server.settings.DisableLISTArgs {
		param = c.stripListArgs(param)
	}

	c.runDirTransfer(param, fmt.Sprintf("LIST %v", param), true, c.dirTransferLIST)

	return nil
}

func (c *clientHandler) handleNLST(param string) error {
	if !c.server.settings.DisableLISTArgs {
		param = c.stripListArgs(param)
	}

	c.runDirTransfer(param, fmt.Sprintf("NLST %v", param), true, c.dirTransferNLST)

	return nil
}

func (c *clientHandler) handleMLSD(param string) error {
	if c.server.settings.DisableMLSD {
		c.writeMessage(StatusSyntaxErrorNotRecognised, "MLSD has been disabled")

		return nil
	}

	if !c.server.settings.DisableLISTArgs {
		param = c.stripListArgs(param)
	}

	c.runDirTransfer(param, fmt.Sprintf("MLSD %v", param), false, c.dirTransferMLSD)

	return nil
}

// runDirTransfer is the shared sequence behind LIST/NLST/MLSD: resolve the listing, open
// the data connection, stream the formatted entries, then report completion. LIST and
// NLST accept a plain file path and list the single entry; MLSD does not.
func (c *clientHandler) runDirTransfer(
	param, info string, allowFile bool, writeFn func(io.Writer, []FileInfo, string) error,
) {
	listedPath := c.absPath(param)
	parentDir := listedPath

	var files []FileInfo

	if meta, err := c.storage.Metadata(c.user, listedPath); err == nil && !meta.IsDir() {
		if !allowFile {
			c.writeMessage(StatusFileActionNotTaken, fmt.Sprintf("Could not list: %s is not a directory", listedPath))

			return
		}

		files = []FileInfo{meta}
		parentDir = path.Dir(listedPath)
	} else {
		files, err = c.storage.List(c.user, listedPath)
		if err != nil {
			if !c.isCommandAborted() {
				c.writeMessage(getErrorCode(err, StatusFileActionNotTaken), fmt.Sprintf("Could not list: %v", err))
			}

			return
		}
	}

	tr, err := c.TransferOpen(info)
	if err != nil {
		return
	}

	stream, closeStream, err := c.getTransferStream(tr)
	if err != nil {
		c.TransferClose(err)

		return
	}

	err = writeFn(stream, files, parentDir)

	if errClose := closeStream(); errClose != nil && err == nil {
		err = errClose
	}

	c.TransferClose(err)
}

func (c *clientHandler) dirTransferNLST(w io.Writer, files []FileInfo, parentDir string) error {
	relParent := c.getRelativePath(parentDir)

	for _, file := range files {
		if _, err := fmt.Fprintf(w, "%s\r\n", path.Join(relParent, file.Name())); err != nil {
			return err
		}
	}

	return nil
}

const (
	dateFormatStatTime      = "Jan _2 15:04"          // LIST date formatting with hour and minute
	dateFormatStatYear      = "Jan _2  2006"          // LIST date formatting with year
	dateFormatStatOldSwitch = time.Hour * 24 * 30 * 6 // 6 months ago
	dateFormatMLSD          = "20060102150405"        // MLSx date formatting
)

// fileStat renders one Unix-style LIST line. The link count and group are whatever the
// backend attached via NewFileInfo; neither is meaningful beyond display.
func (c *clientHandler) fileStat(file FileInfo) string {
	modTime := file.ModTime()

	dateFormat := dateFormatStatTime
	if c.connectedAt.Sub(modTime) > dateFormatStatOldSwitch {
		dateFormat = dateFormatStatYear
	}

	return fmt.Sprintf(
		"%s %d ftp %s %12d %s %s",
		file.Mode(),
		maxInt(file.Nlink, 1),
		orDefault(file.GID, "ftp"),
		file.Size(),
		file.ModTime().Format(dateFormat),
		file.Name(),
	)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}

	return b
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}

	return s
}

func (c *clientHandler) dirTransferLIST(w io.Writer, files []FileInfo, _ string) error {
	for _, file := range files {
		if _, err := fmt.Fprintf(w, "%s\r\n", c.fileStat(file)); err != nil {
			return err
		}
	}

	return nil
}

func (c *clientHandler) dirTransferMLSD(w io.Writer, files []FileInfo, _ string) error {
	for _, file := range files {
		if err := c.writeMLSxOutput(w, file); err != nil {
			return err
		}
	}

	return nil
}

// writeMLSxOutput emits one RFC 3659 §7.2 fact line. Every fact, including the last one
// before the space-separated name, terminates with ';'.
func (c *clientHandler) writeMLSxOutput(w io.Writer, file FileInfo) error {
	listType := "file"
	if file.IsDir() {
		listType = "dir"
	}

	perm := "r"
	if !file.IsDir() {
		perm += "adfw"
	} else {
		perm += "cdelmp"
	}

	_, err := fmt.Fprintf(
		w,
		"type=%s;size=%d;modify=%s;perm=%s;unique=%s; %s\r\n",
		listType,
		file.Size(),
		file.ModTime().UTC().Format(dateFormatMLSD),
		perm,
		mlsxUnique(file.Name(), file.ModTime()),
		file.Name(),
	)

	return err
}

// mlsxUnique derives an opaque-but-stable "unique" fact from the entry name and mtime. It
// only needs to be unique within one listing, not globally, so a simple hash is enough.
func mlsxUnique(name string, modTime time.Time) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte(modTime.String()))

	return fmt.Sprintf("%x", h.Sum64())
}

func quoteDoubling(s string) string {
	if !strings.Contains(s, "\"") {
		return s
	}

	return strings.ReplaceAll(s, "\"", `""`)
}
