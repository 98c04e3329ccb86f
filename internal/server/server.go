package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"lsmkv/pkg/db"
	"lsmkv/pkg/metrics"
)

// Server accepts length-framed binary commands over TCP and answers
// with null-delimited textual responses. One goroutine per connection;
// commands on a single connection are strictly serialized.
type Server struct {
	addr     string
	database *db.Database
	m        *metrics.Metrics
	ln       net.Listener
}

func New(database *db.Database, addr string, m *metrics.Metrics) *Server {
	return &Server{
		addr:     addr,
		database: database,
		m:        m,
	}
}

// Listen binds the TCP listener. Split from Serve so callers can learn
// the bound address before serving (port 0 in tests).
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	return nil
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled, then waits for
// every in-flight connection to drain. Cancellation closes live
// connections, aborting the command they are blocked on without
// committing partial writes.
func (s *Server) Serve(ctx context.Context) error {
	slog.Info("server listening", "addr", s.ln.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		_ = s.ln.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			wg.Wait()
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}

	wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	s.m.ConnOpened()
	slog.Info("connection opened", "remote", conn.RemoteAddr().String())
	defer func() {
		_ = conn.Close()
		s.m.ConnClosed()
		slog.Info("connection closed", "remote", conn.RemoteAddr().String())
	}()

	// Unblock the pending read when the server shuts down.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	br := bufio.NewReader(conn)
	var out bytes.Buffer
	for {
		req, err := readRequest(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Debug("dropping connection", "remote", conn.RemoteAddr().String(), "err", err)
			}
			return
		}

		out.Reset()
		if err := execute(s.database, req, &out); err != nil {
			// Engine-level failures are not recoverable.
			slog.Error("storage engine failure", "err", err)
			os.Exit(1)
		}

		out.WriteByte(0x00)
		if _, err := conn.Write(out.Bytes()); err != nil {
			return
		}
	}
}
