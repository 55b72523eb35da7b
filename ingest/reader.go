// Package ingest reads the detection subprocess's newline-delimited JSON
// event stream and turns each line into an Event Record or a stats
// snapshot, pushing events onto the shared queue.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"net"
	"time"

	"github.com/vnidsd/vnidsd/iox"
)

const (
	initialBufferSize = 64 * 1024
	maxBufferSize     = 128 * 1024
	reconnectBackoff  = time.Second
	waitTimeout       = 100 * time.Millisecond
)

// ErrLineTooLong is returned by readLine when a line exceeds maxBufferSize.
// The caller drops the data accumulated so far and keeps reading.
var ErrLineTooLong = errors.New("ingest: line exceeds maximum buffer size")

// SocketReader reads newline-terminated JSON lines from a Unix stream
// socket, reconnecting on failure and growing its staging buffer from 64
// KiB up to a 128 KiB cap.
type SocketReader struct {
	path string
	conn net.Conn
	buf  []byte // unconsumed bytes staged for the next line
}

// NewSocketReader creates a reader for the socket at path. Connect is not
// attempted until the first call to EnsureConnected.
func NewSocketReader(path string) *SocketReader {
	return &SocketReader{path: path, buf: make([]byte, 0, initialBufferSize)}
}

// EnsureConnected connects if not already connected. Non-blocking dial
// failures (including a socket that does not exist yet) are returned as-is;
// the caller is expected to back off and retry.
func (r *SocketReader) EnsureConnected(ctx context.Context) error {
	if r.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: reconnectBackoff}
	conn, err := d.DialContext(ctx, "unix", r.path)
	if err != nil {
		return err
	}
	r.conn = conn
	return nil
}

// Reconnect drops the current connection, if any, so the next
// EnsureConnected call dials again.
func (r *SocketReader) Reconnect() {
	if r.conn != nil {
		iox.DiscardClose(r.conn)
		r.conn = nil
	}
	r.buf = r.buf[:0]
}

// Close releases the underlying connection.
func (r *SocketReader) Close() error {
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

// ReadLine returns the next newline-terminated line from the socket, with
// the trailing newline stripped. It blocks for up to waitTimeout waiting
// for more data; on timeout with no complete line buffered it returns
// ("", false, nil). A line exceeding the buffer cap is discarded and
// reported via ErrLineTooLong; the caller should count it as dropped and
// keep reading.
func (r *SocketReader) ReadLine() (string, bool, error) {
	if r.conn == nil {
		return "", false, errors.New("ingest: not connected")
	}

	if line, ok := r.takeLine(); ok {
		return line, true, nil
	}

	_ = r.conn.SetReadDeadline(time.Now().Add(waitTimeout))
	chunk := make([]byte, initialBufferSize)
	n, err := r.conn.Read(chunk)
	if n > 0 {
		r.buf = append(r.buf, chunk[:n]...)
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			if line, ok := r.takeLine(); ok {
				return line, true, nil
			}
			return "", false, nil
		}
		return "", false, err
	}

	if line, ok := r.takeLine(); ok {
		return line, true, nil
	}

	// No complete line: if the partial line already exceeds the cap, the
	// remainder of it can never be framed, so discard it.
	if len(r.buf) > maxBufferSize {
		r.buf = r.buf[:0]
		return "", false, ErrLineTooLong
	}
	return "", false, nil
}

func (r *SocketReader) takeLine() (string, bool) {
	idx := bytes.IndexByte(r.buf, '\n')
	if idx < 0 {
		return "", false
	}
	line := string(r.buf[:idx])
	r.buf = r.buf[idx+1:]
	return line, true
}
