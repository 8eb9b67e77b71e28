package reachability

import (
	"context"
	"net"
	"path"
	"time"
)

// NetProber dials Addr and classifies the interface the connection left
// through. Interfaces whose names match one of MeteredInterfaces (shell
// patterns such as "wwan*") count as metered.
type NetProber struct {
	Addr              string
	Timeout           time.Duration
	MeteredInterfaces []string

	// interfaces is swapped in tests
	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)
}

func NewNetProber(addr string, timeout time.Duration, metered []string) *NetProber {
	return &NetProber{
		Addr:              addr,
		Timeout:           timeout,
		MeteredInterfaces: metered,
		interfaces:        net.Interfaces,
		addrs:             func(i net.Interface) ([]net.Addr, error) { return i.Addrs() },
	}
}

func (p *NetProber) Probe(ctx context.Context) Status {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return StatusNone
	}
	defer conn.Close()

	local, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return StatusLocalNetwork
	}
	name := p.interfaceFor(local.IP)
	if name != "" && p.metered(name) {
		return StatusMeteredNetwork
	}
	return StatusLocalNetwork
}

func (p *NetProber) interfaceFor(ip net.IP) string {
	ifaces, err := p.interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		addrs, err := p.addrs(iface)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if n, ok := a.(*net.IPNet); ok && n.IP.Equal(ip) {
				return iface.Name
			}
		}
	}
	return ""
}

func (p *NetProber) metered(name string) bool {
	for _, pattern := range p.MeteredInterfaces {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// StaticProber always reports the same status.
type StaticProber Status

func (s StaticProber) Probe(context.Context) Status {
	return Status(s)
}
