// Package transport implements the event-driven I/O core of the msgpack-RPC
// connection: one long-lived peer, one inbound byte stream, one outbound
// byte stream (possibly the same bidirectional channel).
//
// Two goroutines stand in for the serial execution context:
//
//	readLoop:  Read → Unpacker.Feed → drain decoded values → dispatch
//	writeLoop: idle until armed → drain send buffer → idle again
//
// Arbitrary caller goroutines enqueue outbound requests; the send buffer and
// the pending-call table are the only cross-goroutine state, each behind its
// own lock. The writer is edge-triggered: enqueuing into an empty buffer
// arms it exactly once, draining to empty parks it again.
package transport

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"nvim-rpc/codec"
	"nvim-rpc/pending"
	"nvim-rpc/protocol"
)

// ErrClosed is returned by enqueue operations once shutdown has begun.
var ErrClosed = errors.New("transport: connection closed")

// readBufferSize bounds a single read. The reader never forces a full
// message into one read; the loop comes back for the remainder.
const readBufferSize = 4096

// Sink receives the connection's upward-facing events. All three methods are
// invoked from the connection's internal goroutines and must not block.
type Sink interface {
	// OnRedraw delivers the argument list of a "redraw" notification.
	OnRedraw(args []interface{})

	// RequestClose asks the UI to close the connection's window: the peer
	// has disconnected cleanly and orderly shutdown is about to begin.
	RequestClose()

	// OnShutdownComplete fires once both I/O directions are cancelled and
	// the descriptors are closed. Distinct from RequestClose, which only
	// announces that shutdown is coming.
	OnShutdownComplete()
}

// Conn is one msgpack-RPC connection to one peer.
//
// A Conn is live from the moment its constructor returns and terminal after
// Close (or after the peer disconnects). Pending handlers outstanding at
// shutdown are never invoked — a deliberate trade-off, documented on Close.
type Conn struct {
	r      io.ReadCloser
	w      io.WriteCloser
	shared bool // r and w are the same descriptor; close it once
	proc   Process

	sink Sink
	log  *zap.Logger

	// Owned by readLoop exclusively.
	unpacker *codec.Unpacker

	// Send buffer. mu guards packer and the armed/idle decision as one
	// critical section: append, check old-empty, arm.
	mu     sync.Mutex
	packer *codec.Packer
	wake   chan struct{} // capacity 1: the 0→nonzero edge arms the writer

	calls *pending.Table

	closing      atomic.Bool
	shutdownOnce sync.Once
	writerQuit   chan struct{}
	writerDone   chan struct{}
	readerDone   chan struct{}
	done         chan struct{}
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the structured logger. The default discards everything
// except the process-terminating I/O failures.
func WithLogger(log *zap.Logger) Option {
	return func(c *Conn) { c.log = log }
}

// NewConn wraps an already-established channel. r and w may be the same
// object (a connected socket) or two pipe ends. The sink must be non-nil;
// both loops start immediately.
func NewConn(r io.ReadCloser, w io.WriteCloser, sink Sink, opts ...Option) *Conn {
	return newConn(r, w, sink, nil, opts)
}

func newConn(r io.ReadCloser, w io.WriteCloser, sink Sink, proc Process, opts []Option) *Conn {
	c := &Conn{
		r:          r,
		w:          w,
		shared:     io.Closer(r) == io.Closer(w),
		proc:       proc,
		sink:       sink,
		log:        zap.NewNop(),
		unpacker:   &codec.Unpacker{},
		packer:     codec.NewPacker(),
		wake:       make(chan struct{}, 1),
		calls:      pending.NewTable(),
		writerQuit: make(chan struct{}),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()
	go c.writeLoop()
	return c
}

// Request allocates a message id, stores the handler against it, and
// enqueues [0, id, method, args]. The handler runs at most once, on the
// connection's reader goroutine, when the matching response arrives.
func (c *Conn) Request(method string, args []interface{}, h pending.Handler) (uint32, error) {
	id := c.calls.Store(h)
	if err := c.enqueue(id, method, args); err != nil {
		// The request never hit the wire; don't leak the slot.
		c.calls.Take(id)
		return 0, err
	}
	return id, nil
}

// RequestNoReply enqueues a request carrying the sentinel id: no slot is
// consumed and any reply the peer sends is silently discarded.
func (c *Conn) RequestNoReply(method string, args []interface{}) error {
	return c.enqueue(protocol.NoReplyID, method, args)
}

// enqueue appends one request to the send buffer and arms the writer on the
// empty→non-empty transition. The whole sequence is one critical section;
// enqueuing never performs I/O and returns immediately.
func (c *Conn) enqueue(id uint32, method string, args []interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing.Load() {
		return ErrClosed
	}

	wasEmpty := c.packer.Len() == 0
	if err := c.packer.AppendRequest(id, method, args); err != nil {
		return err
	}

	if wasEmpty {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// readLoop is the inbound half of the I/O core: one bounded read per
// iteration, feed the unpacker, dispatch every complete value it yields.
//
// EOF is a clean peer disconnect: tell the UI to close the window, then
// begin orderly shutdown. Any other read error is unrecoverable — a
// half-corrupted byte stream cannot be resumed mid-protocol, and carrying on
// risks desynchronized message ids — so the process terminates.
func (c *Conn) readLoop() {
	defer close(c.readerDone)

	buf := make([]byte, readBufferSize)
	for {
		n, err := c.r.Read(buf)
		if n > 0 {
			c.unpacker.Feed(buf[:n])
			for {
				v, ok, derr := c.unpacker.Next()
				if derr != nil {
					c.log.Fatal("msgpack stream corrupted", zap.Error(derr))
					return
				}
				if !ok {
					break
				}
				c.dispatch(v)
			}
		}
		if err != nil {
			if c.closing.Load() {
				// The shutdown sequencer closed the descriptor under us.
				return
			}
			if err == io.EOF {
				c.sink.RequestClose()
				c.beginShutdown()
				return
			}
			c.log.Fatal("read failed", zap.Error(err))
			return
		}
	}
}

// writeLoop is the outbound half: parked until armed, then drains the send
// buffer under the lock, one write per pass, dropping the confirmed prefix.
// Draining to empty parks it again — the backpressure rule, enforced here
// and at enqueue.
func (c *Conn) writeLoop() {
	defer close(c.writerDone)

	for {
		select {
		case <-c.writerQuit:
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			data := c.packer.Bytes()
			if len(data) == 0 {
				c.mu.Unlock()
				break
			}
			n, err := c.w.Write(data)
			if err == nil {
				c.packer.Consume(n)
			}
			c.mu.Unlock()

			if err != nil {
				if c.closing.Load() {
					return
				}
				c.log.Fatal("write failed", zap.Error(err))
				return
			}
		}

		select {
		case <-c.writerQuit:
			return
		default:
		}
	}
}

// beginShutdown drives the two-phase cancellation. The write side is always
// cancelled first so no read teardown can close a descriptor the writer is
// still using:
//
//  1. stop the writer and wait for it
//  2. close the read side, which cancels a blocked reader, and wait for it
//  3. release the remaining descriptor, reap a spawned peer, then announce
//     completion through the sink
//
// Runs at most once; later triggers are no-ops. The sequencer runs on its
// own goroutine because the trigger is usually the reader itself.
func (c *Conn) beginShutdown() {
	c.shutdownOnce.Do(func() {
		c.closing.Store(true)
		go func() {
			close(c.writerQuit)
			<-c.writerDone

			c.r.Close()
			<-c.readerDone

			if !c.shared {
				c.w.Close()
			}
			if c.proc != nil {
				if err := c.proc.Wait(); err != nil {
					c.log.Info("peer process exited", zap.Error(err))
				}
			}

			c.sink.OnShutdownComplete()
			close(c.done)
		}()
	})
}

// Close begins shutdown and blocks until both I/O directions have reported
// cancellation and the descriptors are closed. Safe to call repeatedly.
//
// Pending handlers outstanding at this point are never invoked.
func (c *Conn) Close() error {
	c.beginShutdown()
	<-c.done
	return nil
}

// Done is closed once teardown has fully completed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
