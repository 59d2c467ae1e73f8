// Package rpctest provides a scripted in-process msgpack-RPC peer.
//
// The production surface of this module is client-only, but every transport
// and client test needs something on the far side of the channel that
// decodes requests, answers them, and emits notifications. Peer plays that
// role over any ReadWriter: one goroutine runs Serve, tests register
// handlers per method and fire notifications at will.
package rpctest

import (
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"nvim-rpc/protocol"
)

// HandlerFunc computes the (error, result) pair for one request. Returning a
// non-nil errVal produces an error response, mirroring how Neovim reports
// failures as [type, message] values.
type HandlerFunc func(method string, args []interface{}) (result, errVal interface{})

// Request is one decoded inbound request, recorded for assertions.
type Request struct {
	ID     uint32
	Method string
	Args   []interface{}
}

// Peer serves msgpack-RPC over rw. Every request gets a response echoing its
// id — including the sentinel id, which well-behaved clients must discard.
type Peer struct {
	rw io.ReadWriter

	writeMu sync.Mutex // responses and notifications share one stream
	enc     *msgpack.Encoder

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	requests []Request

	served chan struct{} // closed when Serve returns
}

func NewPeer(rw io.ReadWriter) *Peer {
	return &Peer{
		rw:       rw,
		enc:      msgpack.NewEncoder(rw),
		handlers: make(map[string]HandlerFunc),
		served:   make(chan struct{}),
	}
}

// Handle registers the handler invoked for method. Unregistered methods get
// a ["no such method"] error response.
func (p *Peer) Handle(method string, h HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[method] = h
}

// Requests returns a snapshot of every request decoded so far, in arrival
// order.
func (p *Peer) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.requests...)
}

// Serve decodes requests until the stream ends, dispatching each to its
// handler and writing the response. Run it on its own goroutine.
func (p *Peer) Serve() error {
	defer close(p.served)

	dec := msgpack.NewDecoder(p.rw)
	dec.UseLooseInterfaceDecoding(true)

	for {
		v, err := dec.DecodeInterface()
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}

		req, err := decodeRequest(v)
		if err != nil {
			return err
		}

		p.mu.Lock()
		p.requests = append(p.requests, *req)
		h := p.handlers[req.Method]
		p.mu.Unlock()

		var result, errVal interface{}
		if h != nil {
			result, errVal = h(req.Method, req.Args)
		} else {
			errVal = []interface{}{int64(0), "no such method: " + req.Method}
		}

		if err := p.respond(req.ID, errVal, result); err != nil {
			return err
		}
	}
}

// Done is closed once Serve has returned.
func (p *Peer) Done() <-chan struct{} {
	return p.served
}

// Notify emits a [2, name, args] notification.
func (p *Peer) Notify(name string, args ...interface{}) error {
	if args == nil {
		args = []interface{}{}
	}
	return p.Send([]interface{}{protocol.TypeNotification, name, args})
}

// Respond emits a [1, id, error, result] response without any request having
// asked for it; tests use it for duplicate and unmatched deliveries.
func (p *Peer) Respond(id uint32, errVal, result interface{}) error {
	return p.respond(id, errVal, result)
}

// Close closes the underlying stream when it supports closing, hanging up
// on the client.
func (p *Peer) Close() error {
	if c, ok := p.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Send writes an arbitrary msgpack value, valid shape or not.
func (p *Peer) Send(v interface{}) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.enc.Encode(v)
}

func (p *Peer) respond(id uint32, errVal, result interface{}) error {
	return p.Send([]interface{}{protocol.TypeResponse, id, errVal, result})
}

func decodeRequest(v interface{}) (*Request, error) {
	array, ok := v.([]interface{})
	if !ok || len(array) != 4 {
		return nil, fmt.Errorf("rpctest: not a request: %#v", v)
	}
	tag, ok := protocol.AsInt(array[0])
	if !ok || tag != protocol.TypeRequest {
		return nil, fmt.Errorf("rpctest: not a request: %#v", v)
	}
	id, ok := protocol.AsInt(array[1])
	if !ok || id < 0 {
		return nil, fmt.Errorf("rpctest: bad request id: %#v", array[1])
	}
	method, ok := protocol.AsString(array[2])
	if !ok {
		return nil, fmt.Errorf("rpctest: bad request method: %#v", array[2])
	}
	args, ok := array[3].([]interface{})
	if !ok {
		return nil, fmt.Errorf("rpctest: bad request args: %#v", array[3])
	}
	return &Request{ID: uint32(id), Method: method, Args: args}, nil
}
