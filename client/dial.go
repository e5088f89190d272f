package client

import "net"

// frameDial is a thin seam over net.Dial kept in its own function so tests
// can swap it for net.Pipe-backed fakes without touching Dial's handshake
// logic.
func frameDial(network, address string) (net.Conn, error) {
	return net.Dial(network, address)
}
