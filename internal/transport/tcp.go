package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/bloom-nucleus/synapse/internal/constants"
	"github.com/bloom-nucleus/synapse/internal/protocol"
)

// TCPDialer connects to a host service socket. Frames carry a 4-byte
// big-endian length prefix.
type TCPDialer struct {
	Address string
}

// Dial connects to the configured address.
func (d TCPDialer) Dial(ctx context.Context) (Channel, error) {
	addr := d.Address
	if addr == "" {
		addr = constants.DefaultHostAddress
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewStreamChannel(conn, conn, conn, StreamOptions{
		Order: protocol.SocketOrder,
		Name:  "tcp " + addr,
	}), nil
}
