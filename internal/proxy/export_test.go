package proxy

import "net"

// SetListenFunc replaces the function Start uses to bind its socket.
func (d *Dispatcher) SetListenFunc(listen func(network, address string) (net.Listener, error)) {
	d.listen = listen
}
