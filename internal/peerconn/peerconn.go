// Package peerconn implements the per-connection state machine described
// through its own lifecycle: connecting -> handshaking -> operational -> closed, with a
// length-prefixed message reader/writer pair run on their own goroutines
// so a slow peer on one direction never blocks the other.
package peerconn

import (
	"bufio"
	"errors"
	"net"
	"time"

	"github.com/kagenova/btswarm/internal/logger"
	"github.com/kagenova/btswarm/internal/peerprotocol"
)

// State is the connection's lifecycle stage.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateOperational
	StateClosed
)

// Errors surfaced by the handshake and framing layers; the orchestrator
// maps these onto the Peer error taxonomy (§7).
var (
	ErrUnreachable      = errors.New("peerconn: unreachable")
	ErrHandshakeTimeout = errors.New("peerconn: handshake timeout")
	ErrLabelMismatch    = peerprotocol.ErrInvalidProtocolLabel
	ErrIdentityMismatch = errors.New("peerconn: info hash mismatch")
	ErrOwnConnection    = errors.New("peerconn: dropped own connection")
)

// IncomingMessage pairs a decoded message with its piece block bytes, if
// any (only populated for peerprotocol.PieceMessage).
type IncomingMessage struct {
	Message   peerprotocol.Message
	BlockData []byte
}

// outgoing is either a generic protocol message or a piece send; keeping
// both on one channel means the writer never interleaves a piece's block
// bytes with a control message queued behind it.
type outgoing struct {
	msg   peerprotocol.Message
	piece *pieceSend
}

type pieceSend struct {
	index, begin uint32
	data         []byte
}

// Conn wraps a TCP connection after a completed handshake, exposing typed
// sends and a channel of decoded incoming messages.
type Conn struct {
	nc     net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	id     [20]byte
	fast   bool
	extend bool
	log    logger.Logger

	messages chan IncomingMessage
	sendC    chan outgoing
	closeC   chan struct{}
	closedC  chan struct{}
}

// New wraps nc, already past handshake, identified by id with the given
// negotiated extension bits.
func New(nc net.Conn, id [20]byte, extensions peerprotocol.Reserved, l logger.Logger) *Conn {
	return &Conn{
		nc:       nc,
		r:        bufio.NewReaderSize(nc, 64*1024),
		w:        bufio.NewWriterSize(nc, 64*1024),
		id:       id,
		fast:     extensions.Test(peerprotocol.ReservedBitFastExtension),
		extend:   extensions.Test(peerprotocol.ReservedBitExtensionProto),
		log:      l,
		messages: make(chan IncomingMessage, 64),
		sendC:    make(chan outgoing, 64),
		closeC:   make(chan struct{}),
		closedC:  make(chan struct{}),
	}
}

// ID returns the peer's 20-byte peer-id from the handshake.
func (c *Conn) ID() [20]byte { return c.id }

// FastExtension reports whether both sides support BEP 6.
func (c *Conn) FastExtension() bool { return c.fast }

// ExtensionProtocol reports whether both sides support BEP 10.
func (c *Conn) ExtensionProtocol() bool { return c.extend }

// IP returns the remote IP as a string, used to dedupe connections.
func (c *Conn) IP() string {
	if a, ok := c.nc.RemoteAddr().(*net.TCPAddr); ok {
		return a.IP.String()
	}
	return c.nc.RemoteAddr().String()
}

// Addr returns the remote address.
func (c *Conn) Addr() *net.TCPAddr {
	if a, ok := c.nc.RemoteAddr().(*net.TCPAddr); ok {
		return a
	}
	return nil
}

// Logger returns the connection's tagged logger.
func (c *Conn) Logger() logger.Logger { return c.log }

// Messages returns the channel of decoded incoming messages.
func (c *Conn) Messages() <-chan IncomingMessage { return c.messages }

// SendMessage enqueues msg for writing; it never blocks the caller beyond
// the writer's internal buffer.
func (c *Conn) SendMessage(msg peerprotocol.Message) {
	select {
	case c.sendC <- outgoing{msg: msg}:
	case <-c.closeC:
	}
}

// SendPiece enqueues a piece message whose block bytes come directly from
// data, queued on the same channel as control messages to preserve
// per-peer ordering.
func (c *Conn) SendPiece(index, begin uint32, data []byte) {
	select {
	case c.sendC <- outgoing{piece: &pieceSend{index: index, begin: begin, data: data}}:
	case <-c.closeC:
	}
}

// Run starts the reader and writer loops and blocks until either fails or
// Close is called.
func (c *Conn) Run() {
	defer close(c.closedC)
	readerDone := make(chan struct{})
	go func() {
		c.readLoop()
		close(readerDone)
	}()
	writerDone := make(chan struct{})
	go func() {
		c.writeLoop()
		close(writerDone)
	}()
	select {
	case <-c.closeC:
	case <-readerDone:
	case <-writerDone:
	}
	c.nc.Close()
	<-readerDone
	<-writerDone
}

func (c *Conn) readLoop() {
	defer close(c.messages)
	for {
		msg, data, err := peerprotocol.ReadMessage(c.r)
		if err != nil {
			return
		}
		if msg == nil {
			continue // keep-alive
		}
		select {
		case c.messages <- IncomingMessage{Message: msg, BlockData: data}:
		case <-c.closeC:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	keepAlive := time.NewTicker(2 * time.Minute)
	defer keepAlive.Stop()
	for {
		select {
		case out := <-c.sendC:
			var err error
			if out.piece != nil {
				err = peerprotocol.WritePieceMessage(c.w, out.piece.index, out.piece.begin, out.piece.data)
			} else {
				err = peerprotocol.WriteMessage(c.w, out.msg)
			}
			if err == nil {
				err = c.w.Flush()
			}
			if err != nil {
				return
			}
		case <-keepAlive.C:
			if err := peerprotocol.WriteKeepAlive(c.w); err != nil {
				return
			}
			if err := c.w.Flush(); err != nil {
				return
			}
		case <-c.closeC:
			return
		}
	}
}

// Close shuts the connection down and waits for both loops to exit.
func (c *Conn) Close() {
	select {
	case <-c.closeC:
	default:
		close(c.closeC)
	}
	<-c.closedC
}

// CloseConn closes the underlying socket without waiting for the run loops
// (used when Run was never started, e.g. a duplicate-peer-id rejection).
func (c *Conn) CloseConn() {
	c.nc.Close()
}
