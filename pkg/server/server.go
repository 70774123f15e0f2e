package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cberner/fleetfs/pkg/log"
	"github.com/cberner/fleetfs/pkg/router"
	"github.com/cberner/fleetfs/pkg/wire"
)

// Server accepts client and peer connections and feeds frames through the
// request router. Responses on one connection are written in request
// order.
type Server struct {
	router   *router.Router
	logger   zerolog.Logger
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
}

// New builds a server around a router
func New(r *router.Router) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		router: r,
		logger: log.WithComponent("server"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Serve accepts connections on listener until Shutdown is called. It
// blocks.
func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("listening")
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept failed: %w", err)
			}
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown stops accepting and waits for in-flight connections to drain
func (s *Server) Shutdown() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.conns.Wait()
}

// handleConn serves one connection: read a frame, route it, write the
// response. Sequential handling per connection keeps responses matched to
// request order; concurrency comes from having many connections.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	for {
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug().Err(err).Msg("connection read failed")
			}
			return
		}

		response, fatal := s.router.Handle(s.ctx, payload)
		if err := wire.WriteFrame(conn, response); err != nil {
			logger.Debug().Err(err).Msg("connection write failed")
			return
		}
		if fatal {
			logger.Warn().Msg("protocol violation, closing connection")
			return
		}
	}
}
