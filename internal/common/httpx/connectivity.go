package httpx

import (
	"context"
	"net"
)

// Connectivity reports whether the host has a usable network connection
type Connectivity interface {
	Online(ctx context.Context) bool
}

// ConnectivityFunc adapts a function to Connectivity
type ConnectivityFunc func(ctx context.Context) bool

func (f ConnectivityFunc) Online(ctx context.Context) bool {
	return f(ctx)
}

// AlwaysOnline skips the connectivity precondition
var AlwaysOnline Connectivity = ConnectivityFunc(func(context.Context) bool { return true })

// InterfaceConnectivity considers the host online when at least one
// non-loopback interface is up and has an address. Like a browser's online
// flag it says nothing about reachability of a given server.
type InterfaceConnectivity struct{}

func (InterfaceConnectivity) Online(context.Context) bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		// Can't tell; let the request itself fail
		return true
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}
