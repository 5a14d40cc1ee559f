// Package acceptor runs the inbound TCP listener for one swarm, handing
// every accepted connection to the incoming-handshake pool (throttled
// C7: "accept inbound").
package acceptor

import (
	"fmt"
	"net"

	"github.com/kagenova/btswarm/internal/logger"
)

// Acceptor owns a single listening socket for the lifetime of its swarm.
type Acceptor struct {
	listener net.Listener
	connC    chan net.Conn
	log      logger.Logger
}

// New binds a TCP listener on port (0 picks any free port) and returns an
// Acceptor ready to Run; the bound port is available via Port() for
// announcing to trackers/DHT.
func New(port int) (*Acceptor, error) {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return &Acceptor{
		listener: l,
		connC:    make(chan net.Conn),
		log:      logger.New("acceptor"),
	}, nil
}

// Port returns the bound TCP port.
func (a *Acceptor) Port() int {
	return a.listener.Addr().(*net.TCPAddr).Port
}

// Conns returns the channel of accepted connections.
func (a *Acceptor) Conns() <-chan net.Conn { return a.connC }

// Run accepts connections until the listener is closed.
func (a *Acceptor) Run() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			a.log.Debugln("accept loop exiting:", err)
			return
		}
		a.connC <- conn
	}
}

// Close stops accepting new connections.
func (a *Acceptor) Close() error {
	return a.listener.Close()
}
