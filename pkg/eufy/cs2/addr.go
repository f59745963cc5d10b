package cs2

import (
	"net"
	"strconv"
)

// broadcastAddrs returns subnet broadcast address of every active IPv4 interface.
func broadcastAddrs(port int) []*net.UDPAddr {
	ifaces, err := net.Interfaces()
	if err != nil {
		return []*net.UDPAddr{{IP: net.IPv4bcast, Port: port}}
	}

	var addrs []*net.UDPAddr

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		ifAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range ifAddrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}

			ip4 := ipNet.IP.To4()
			if ip4 == nil || len(ipNet.Mask) != net.IPv4len {
				continue
			}

			bcast := make(net.IP, net.IPv4len)
			for i := range bcast {
				bcast[i] = ip4[i] | ^ipNet.Mask[i]
			}
			addrs = append(addrs, &net.UDPAddr{IP: bcast, Port: port})
		}
	}

	if len(addrs) == 0 {
		addrs = append(addrs, &net.UDPAddr{IP: net.IPv4bcast, Port: port})
	}

	return addrs
}

// resolveAddr accepts "host" or "host:port".
func resolveAddr(host string, port int) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	return net.ResolveUDPAddr("udp4", host)
}

func resolveAddrs(hosts []string, port int) (addrs []*net.UDPAddr) {
	for _, host := range hosts {
		if addr, err := resolveAddr(host, port); err == nil {
			addrs = append(addrs, addr)
		}
	}
	return
}

func sameHost(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP)
}
