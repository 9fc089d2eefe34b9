package transport

import (
	"fmt"
	"net"
)

// ListenUDP opens the production socket a Handler runs on.
func ListenUDP(addr string) (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return conn, nil
}
