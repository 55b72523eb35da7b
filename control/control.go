// Package control implements the Control Server: a unix-socket request/
// response API, one goroutine per client, framed with a 4-byte big-endian
// length prefix followed by a UTF-8 JSON body.
package control

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vnidsd/vnidsd/iox"
	"github.com/vnidsd/vnidsd/log"
	"github.com/vnidsd/vnidsd/metrics"
)

const (
	lengthPrefixSize = 4
	maxBodySize      = 64 * 1024
	maxClients       = 32
	socketPerm       = 0o660
)

// ErrorCode is the closed set of response error codes.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrInvalidCommand
	ErrInvalidParams
	ErrInvalidConfigKey
	ErrRuleParse
	ErrResourceExhausted
	ErrInternal
	ErrShutdownInProgress
)

// Request is the wire request schema: {"command": ..., "params": ...}.
type Request struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the wire response schema.
type Response struct {
	Success   bool      `json:"success"`
	ErrorCode ErrorCode `json:"error_code"`
	Error     string    `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Handler answers one command. Implementations are supplied by the
// orchestrator and must not block for long: handlers run synchronously on
// the serving goroutine for that client.
type Handler func(params json.RawMessage) Response

// Server accepts clients on a unix socket and dispatches framed JSON
// requests to registered command handlers.
type Server struct {
	path string
	log  *log.Logger
	met  *metrics.Collector

	mu       sync.RWMutex
	handlers map[string]Handler

	listener net.Listener
	sem      chan struct{}
	shutdown atomic.Bool

	connCount atomic.Int64
	reqCount  atomic.Int64
	errCount  atomic.Int64
}

// New constructs a Server listening at path once Start is called.
func New(path string, logger *log.Logger, met *metrics.Collector) *Server {
	return &Server{
		path:     path,
		log:      logger.WithComponent("control"),
		met:      met,
		handlers: make(map[string]Handler),
		sem:      make(chan struct{}, maxClients),
	}
}

// RegisterHandler binds command to fn. command must be one of the closed
// command set; callers are responsible for only registering recognized
// commands.
func (s *Server) RegisterHandler(command string, fn Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = fn
}

// Start binds the unix socket, setting its permissions, and begins
// accepting clients in a background goroutine.
func (s *Server) Start() error {
	_ = os.Remove(s.path)
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, socketPerm); err != nil {
		l.Close()
		return fmt.Errorf("control: chmod %s: %w", s.path, err)
	}
	s.listener = l

	go s.acceptLoop()
	return nil
}

// Stop marks the server as shutting down, closes the listener (which
// unblocks acceptLoop), and removes the socket file. Open client sessions
// are not closed: a request arriving after Stop is answered with
// ErrShutdownInProgress and the session then ends.
func (s *Server) Stop() error {
	s.shutdown.Store(true)
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	_ = os.Remove(s.path)
	return err
}

// Stats returns (connections, requests, errors) lifetime counters.
func (s *Server) Stats() (connections, requests, errors int64) {
	return s.connCount.Load(), s.reqCount.Load(), s.errCount.Load()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return
			}
			s.log.Warn("accept failed", map[string]any{"error": err.Error()})
			continue
		}

		select {
		case s.sem <- struct{}{}:
			s.connCount.Add(1)
			s.met.IncControlConnections()
			go s.serveClient(conn)
		default:
			iox.DiscardClose(conn)
			s.errCount.Add(1)
			s.met.IncControlErrors()
		}
	}
}

func (s *Server) serveClient(conn net.Conn) {
	defer func() {
		iox.DiscardClose(conn)
		<-s.sem
	}()

	for {
		if s.shutdown.Load() {
			return
		}
		req, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				s.errCount.Add(1)
				s.met.IncControlErrors()
			}
			return
		}

		var r Request
		if err := json.Unmarshal(req, &r); err != nil {
			s.errCount.Add(1)
			s.met.IncControlErrors()
			writeFrame(conn, Response{Success: false, ErrorCode: ErrInvalidParams, Error: "malformed request"})
			continue
		}

		s.reqCount.Add(1)
		s.met.IncControlRequests()
		resp := s.dispatch(r)
		if resp.ErrorCode != ErrNone {
			s.errCount.Add(1)
			s.met.IncControlErrors()
		}
		if err := writeFrame(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(r Request) Response {
	if s.shutdown.Load() {
		return Response{Success: false, ErrorCode: ErrShutdownInProgress, Error: "shutdown in progress"}
	}

	s.mu.RLock()
	handler, ok := s.handlers[r.Command]
	s.mu.RUnlock()
	if !ok {
		return Response{Success: false, ErrorCode: ErrInvalidCommand, Error: "unknown command: " + r.Command}
	}
	return handler(r.Params)
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > maxBodySize {
		return nil, fmt.Errorf("control: body %d exceeds max %d", size, maxBodySize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeFrame(w io.Writer, resp Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	buf := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(buf[:lengthPrefixSize], uint32(len(body)))
	copy(buf[lengthPrefixSize:], body)
	_, err = w.Write(buf)
	return err
}

// DialClient connects to a control socket at path with a short timeout,
// used by CLI clients and tests.
func DialClient(path string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", path, timeout)
}

// SendRequest writes a framed Request and reads back a framed Response.
func SendRequest(conn net.Conn, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	buf := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(buf[:lengthPrefixSize], uint32(len(body)))
	copy(buf[lengthPrefixSize:], body)
	if _, err := conn.Write(buf); err != nil {
		return Response{}, err
	}

	respBody, err := readFrame(conn)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}
