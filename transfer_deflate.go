package ftpserver

import (
	"compress/flate"
	"fmt"
	"io"
	"net"
)

// TransferMode is the MODE setting of a session: plain stream or deflate (MODE Z).
type TransferMode int

// Supported transfer modes.
const (
	TransferModeStream TransferMode = iota
	TransferModeDeflate
)

// defaultModeZLevel is the deflate level used when Settings.ModeZLevel is left at zero.
const defaultModeZLevel = 5

// deflateTransfer compresses written bytes and decompresses read bytes over one data
// connection, implementing MODE Z framing.
type deflateTransfer struct {
	rw     io.ReadWriter
	writer *flate.Writer
	reader io.ReadCloser
	wrote  bool
}

func newDeflateTransfer(rw io.ReadWriter, level int) (*deflateTransfer, error) {
	writer, err := flate.NewWriter(rw, level)
	if err != nil {
		return nil, fmt.Errorf("could not create deflate writer: %w", err)
	}

	return &deflateTransfer{rw: rw, writer: writer, reader: flate.NewReader(rw)}, nil
}

func (d *deflateTransfer) Read(p []byte) (int, error) { return d.reader.Read(p) }

func (d *deflateTransfer) Write(p []byte) (int, error) {
	d.wrote = true

	return d.writer.Write(p)
}

// Flush forwards buffered compressed data to the underlying connection without ending the
// deflate stream.
func (d *deflateTransfer) Flush() error {
	return d.writer.Flush()
}

// Close terminates the deflate stream. The write side is only finalized when it was
// used: an upload never writes, and flushing a trailer onto the peer's closed socket
// would turn a clean transfer into an error. The underlying connection stays open; that
// is the transfer handler's job.
func (d *deflateTransfer) Close() error {
	var errWriter error
	if d.wrote {
		errWriter = d.writer.Close()
	}

	errReader := d.reader.Close()

	if errWriter != nil {
		return errWriter
	}

	return errReader
}

// getTransferStream wraps an open data connection according to the session's MODE. The
// returned closer finalizes the wrapper (flushing any deflate trailer) and must run
// before the connection itself is closed.
func (c *clientHandler) getTransferStream(conn net.Conn) (io.ReadWriter, func() error, error) {
	if c.currentTransferMode == TransferModeDeflate {
		level := c.server.settings.ModeZLevel
		if level == 0 {
			level = defaultModeZLevel
		}

		deflater, err := newDeflateTransfer(conn, level)
		if err != nil {
			return nil, nil, err
		}

		return deflater, deflater.Close, nil
	}

	return conn, func() error { return nil }, nil
}
