package stream

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/wqdsca/police-thief-core/internal/v1/logging"
	"go.uber.org/zap"
)

// Server accepts framed-stream connections and hands each to the hub after
// the per-address admission check.
type Server struct {
	hub      *Hub
	listener net.Listener
}

// NewServer binds the framed-stream listener. A bind failure is an
// unrecoverable startup error.
func NewServer(addr string, hub *Hub) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind stream listener on %s: %w", addr, err)
	}
	return &Server{hub: hub, listener: ln}, nil
}

// Addr reports the bound listener address.
func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener closes.
// A denial from the per-address limiter drops the connection before any
// handshake byte is read.
func (srv *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		srv.listener.Close()
	}()

	logging.Info(ctx, "framed-stream server listening", zap.String("addr", srv.listener.Addr().String()))

	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("stream accept failed: %w", err)
		}

		if srv.hub.limiter != nil {
			ip, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String())
			if splitErr == nil {
				if err := srv.hub.limiter.CheckStreamConnect(ctx, ip); err != nil {
					logging.Warn(ctx, "connection denied by address rate limit", zap.String("ip", ip))
					conn.Close()
					continue
				}
			}
		}

		go srv.hub.HandleConn(conn)
	}
}

// Close stops the listener.
func (srv *Server) Close() error {
	return srv.listener.Close()
}
