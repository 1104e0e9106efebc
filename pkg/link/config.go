package link

import (
	"fmt"
	"net"

	"github.com/irctrakz/tpmeter/pkg/core"
)

// Config contains the configuration of a UDP mesh link.
type Config struct {
	// LocalAddr is the mesh address of this node (aa:bb:cc:dd:ee:ff).
	LocalAddr string

	// ListenAddr is the UDP address frames are received on (host:port).
	ListenAddr string

	// TOS is the IPv4 type-of-service byte set on outgoing datagrams.
	// Zero leaves the system default.
	TOS int

	// TTL is the IPv4 TTL of outgoing datagrams. Zero leaves the system
	// default.
	TTL int

	// Neighbors maps mesh addresses to the UDP endpoint of the node.
	Neighbors map[string]string
}

// parsed holds the validated form of Config.
type parsed struct {
	local     core.Addr
	listen    *net.UDPAddr
	neighbors map[core.Addr]*net.UDPAddr
}

func (c Config) parse() (*parsed, error) {
	local, err := core.ParseAddr(c.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("local address: %w", err)
	}
	listen, err := net.ResolveUDPAddr("udp4", c.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen address %q: %w", c.ListenAddr, err)
	}
	if c.TOS < 0 || c.TOS > 255 {
		return nil, fmt.Errorf("invalid TOS: %d", c.TOS)
	}
	if c.TTL < 0 || c.TTL > 255 {
		return nil, fmt.Errorf("invalid TTL: %d", c.TTL)
	}

	p := &parsed{
		local:     local,
		listen:    listen,
		neighbors: make(map[core.Addr]*net.UDPAddr, len(c.Neighbors)),
	}
	for addr, endpoint := range c.Neighbors {
		a, err := core.ParseAddr(addr)
		if err != nil {
			return nil, fmt.Errorf("neighbor: %w", err)
		}
		ep, err := net.ResolveUDPAddr("udp4", endpoint)
		if err != nil {
			return nil, fmt.Errorf("neighbor %s endpoint %q: %w", a, endpoint, err)
		}
		p.neighbors[a] = ep
	}
	return p, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	_, err := c.parse()
	return err
}
