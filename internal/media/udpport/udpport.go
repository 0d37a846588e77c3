// Package udpport hands out loopback UDP ports for local transcoder wiring.
package udpport

import (
	"net"
)

var loopback = net.IPv4(127, 0, 0, 1)

// Listen binds a loopback UDP socket on an ephemeral port.
func Listen() (*net.UDPConn, int, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: loopback})
	if err != nil {
		return nil, 0, err
	}
	return conn, conn.LocalAddr().(*net.UDPAddr).Port, nil
}

// Pick returns a loopback port that was free at the time of the call. The
// caller hands it to a process that binds it later.
func Pick() (int, error) {
	conn, port, err := Listen()
	if err != nil {
		return 0, err
	}
	if err := conn.Close(); err != nil {
		return 0, err
	}
	return port, nil
}

// Dial opens a socket that sends to the loopback port.
func Dial(port int) (*net.UDPConn, error) {
	return net.DialUDP("udp4", nil, &net.UDPAddr{IP: loopback, Port: port})
}
