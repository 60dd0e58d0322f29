// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

const (
	// DefaultSessionTimeout is the default timeout for idle peer sessions.
	DefaultSessionTimeout = exchangeLifetime

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// DefaultBufferSize is the default buffer size for UDP packets.
	DefaultBufferSize = 8192

	// DefaultWorkerPoolSize is the default number of workers for message processing.
	DefaultWorkerPoolSize = 16
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Handler serves a decoded CoAP request and returns the response code.
// *connection.Connection implements it.
type Handler interface {
	ServeCoAP(ctx context.Context, msg *pool.Message) codes.Code
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *pool.Message) codes.Code

// ServeCoAP calls f.
func (f HandlerFunc) ServeCoAP(ctx context.Context, msg *pool.Message) codes.Code {
	return f(ctx, msg)
}

// Config holds the UDP server configuration.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// SessionTimeout is how long the duplicate detection state of an idle
	// peer is kept.
	SessionTimeout time.Duration

	// ShutdownTimeout bounds the wait for in-flight messages on shutdown.
	ShutdownTimeout time.Duration

	// MaxSessions limits the number of tracked peers. 0 means unlimited.
	MaxSessions int

	// BufferSize is the size of datagram read buffers in bytes.
	// If 0, uses DefaultBufferSize. Must not exceed MaxDatagramSize.
	BufferSize int

	// WorkerPoolSize is the number of goroutines processing messages.
	WorkerPoolSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	WriteBufferSize int

	Logger *slog.Logger
}

type packetJob struct {
	clientAddr *net.UDPAddr
	data       []byte
}

// Server receives CoAP requests over UDP, hands them to a Handler and
// answers with a piggybacked ACK for confirmable requests or a NON
// response otherwise.
type Server struct {
	config     Config
	handler    Handler
	sessions   *SessionManager
	bufferPool *sync.Pool
	packetCh   chan packetJob
	workerWg   sync.WaitGroup

	mu   sync.Mutex
	addr net.Addr
	mid  uint16
}

// New creates a new UDP server.
func New(cfg Config, h Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = DefaultWorkerPoolSize
	}

	bufferPool := &sync.Pool{
		New: func() interface{} {
			buf := make([]byte, cfg.BufferSize)
			return &buf
		},
	}

	return &Server{
		config:     cfg,
		handler:    h,
		sessions:   NewSessionManager(cfg.Logger, cfg.MaxSessions),
		bufferPool: bufferPool,
		packetCh:   make(chan packetJob, cfg.WorkerPoolSize*2),
		mid:        uint16(time.Now().UnixNano()),
	}
}

// Addr returns the bound address once the server listens, nil before.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Listen starts the UDP server and blocks until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", s.config.Address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	defer conn.Close()

	if s.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(s.config.ReadBufferSize); err != nil {
			s.config.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if s.config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(s.config.WriteBufferSize); err != nil {
			s.config.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	s.mu.Lock()
	s.addr = conn.LocalAddr()
	s.mu.Unlock()

	s.config.Logger.Info("CoAP notification server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("worker_pool_size", s.config.WorkerPoolSize))

	// Workers outlive ctx so queued notifications are still delivered on shutdown.
	workerCtx, workerCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer workerCancel()
	s.startWorkerPool(workerCtx, conn)

	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	defer cleanupCancel()
	go s.sessions.Cleanup(cleanupCtx, s.config.SessionTimeout)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.read(ctx, conn)
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := conn.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-readDone

	close(s.packetCh)
	done := make(chan struct{})
	go func() {
		s.workerWg.Wait()
		close(done)
	}()

	defer s.sessions.Clear()
	select {
	case <-done:
		s.config.Logger.Info("all workers stopped")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		workerCancel()
		s.config.Logger.Warn("drain timeout exceeded, dropping queued messages")
		return ErrShutdownTimeout
	}
}

func (s *Server) read(ctx context.Context, conn *net.UDPConn) {
	for {
		bufPtr := s.bufferPool.Get().(*[]byte)
		buffer := *bufPtr

		n, clientAddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			s.bufferPool.Put(bufPtr)
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.config.Logger.Error("failed to read UDP packet",
				slog.String("error", err.Error()))
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		s.bufferPool.Put(bufPtr)

		select {
		case s.packetCh <- packetJob{clientAddr: clientAddr, data: datagram}:
		case <-ctx.Done():
			return
		default:
			s.config.Logger.Warn("worker pool full, dropping packet",
				slog.String("client", clientAddr.String()))
		}
	}
}

func (s *Server) startWorkerPool(ctx context.Context, conn *net.UDPConn) {
	for i := 0; i < s.config.WorkerPoolSize; i++ {
		s.workerWg.Add(1)
		go func(workerID int) {
			defer s.workerWg.Done()
			s.packetWorker(ctx, conn, workerID)
		}(i)
	}
}

func (s *Server) packetWorker(ctx context.Context, conn *net.UDPConn, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-s.packetCh:
			if !ok {
				return
			}
			if err := s.handlePacket(ctx, conn, job.clientAddr, job.data); err != nil {
				s.config.Logger.Debug("packet handler error",
					slog.Int("worker", workerID),
					slog.String("client", job.clientAddr.String()),
					slog.String("error", err.Error()))
			}
		}
	}
}

// handlePacket decodes one datagram, filters duplicates, serves the
// request and writes the response.
func (s *Server) handlePacket(ctx context.Context, conn *net.UDPConn, clientAddr *net.UDPAddr, data []byte) error {
	msg := pool.NewMessage(ctx)
	defer msg.Reset()

	if _, err := msg.UnmarshalWithDecoder(coder.DefaultCoder, data); err != nil {
		return fmt.Errorf("failed to unmarshal CoAP message: %w", err)
	}

	typ := msg.Type()
	if typ != message.Confirmable && typ != message.NonConfirmable {
		// ACK and RST carry nothing for a server that sends no requests.
		return nil
	}

	sess, err := s.sessions.GetOrCreate(clientAddr)
	if err != nil {
		if typ == message.Confirmable {
			return s.reject(conn, clientAddr, msg)
		}
		return err
	}

	mid := msg.MessageID()
	cached, seen := sess.Seen(mid)
	switch {
	case seen && cached != nil && typ == message.Confirmable:
		_, err := conn.WriteToUDP(cached, clientAddr)
		return err
	case seen:
		return nil
	}

	code := codes.NotImplemented
	if isRequest(msg.Code()) {
		code = s.handler.ServeCoAP(ctx, msg)
	}

	resp := pool.NewMessage(ctx)
	defer resp.Reset()
	resp.SetCode(code)
	resp.SetToken(msg.Token())
	if typ == message.Confirmable {
		resp.SetType(message.Acknowledgement)
		resp.SetMessageID(mid)
	} else {
		resp.SetType(message.NonConfirmable)
		resp.SetMessageID(s.nextMessageID())
	}

	out, err := resp.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		return fmt.Errorf("failed to marshal CoAP response: %w", err)
	}
	sess.Answer(mid, out)

	_, err = conn.WriteToUDP(out, clientAddr)
	return err
}

// reject answers a confirmable message with RST.
func (s *Server) reject(conn *net.UDPConn, clientAddr *net.UDPAddr, msg *pool.Message) error {
	rst := pool.NewMessage(msg.Context())
	defer rst.Reset()
	rst.SetType(message.Reset)
	rst.SetCode(codes.Empty)
	rst.SetMessageID(msg.MessageID())

	out, err := rst.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		return err
	}
	_, err = conn.WriteToUDP(out, clientAddr)
	return err
}

// isRequest reports a method code, class 0 except Empty.
func isRequest(c codes.Code) bool {
	return c != codes.Empty && c>>5 == 0
}

func (s *Server) nextMessageID() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mid++
	return int32(s.mid)
}
