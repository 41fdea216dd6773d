package server

import (
	"context"
	"net"

	"github.com/liquidlogic/ecconet-matrix/internal/cnl"
)

// bridgeHandshake runs the required TCP hello exchange.
func (s *Server) bridgeHandshake(ctx context.Context, c net.Conn) error {
	return cnl.Handshake(ctx, c, s.handshakeTimeout)
}
