// Package protocol defines the msgpack-RPC wire shapes exchanged with a
// Neovim peer.
//
// Every message on the wire is a msgpack array tagged by its first element:
//
//	[0, id, method, args]   request       (produced by this client only)
//	[1, id, error, result]  response      (consumed)
//	[2, name, args]         notification  (consumed)
//
// Classify turns a decoded top-level value into one of the consumed shapes.
// Anything else is a protocol-shape error: the caller logs it and drops the
// message, the connection keeps running.
package protocol

import (
	"errors"
	"math"
)

// Message type tags, first element of every wire array.
const (
	TypeRequest      int64 = 0
	TypeResponse     int64 = 1
	TypeNotification int64 = 2
)

// NoReplyID is the reserved message id meaning "no response is awaited".
// It is never a real slot in the pending-call table; a response echoing it
// is discarded without a table lookup.
const NoReplyID uint32 = math.MaxUint32

// RedrawEvent is the one notification name this client routes to the UI.
const RedrawEvent = "redraw"

// ErrMalformed reports a top-level value that matches neither the response
// nor the notification shape. Non-fatal: the message is dropped.
var ErrMalformed = errors.New("protocol: malformed message")

// Response is an inbound [1, id, error, result] array.
// Error and Result keep the decoder's loose representation; Neovim encodes
// its errors as [type, message] arrays.
type Response struct {
	ID     uint32
	Error  interface{}
	Result interface{}
}

// Notification is an inbound [2, name, args] array.
type Notification struct {
	Name string
	Args []interface{}
}

// Classify validates the shape of a decoded top-level value and returns
// *Response or *Notification. It never returns a request: a client only
// produces those, a peer sending one is a shape error.
func Classify(v interface{}) (interface{}, error) {
	array, ok := v.([]interface{})
	if !ok {
		return nil, ErrMalformed
	}

	switch len(array) {
	case 3:
		tag, ok := AsInt(array[0])
		if !ok || tag != TypeNotification {
			return nil, ErrMalformed
		}
		name, ok := AsString(array[1])
		if !ok {
			return nil, ErrMalformed
		}
		args, ok := array[2].([]interface{})
		if !ok {
			return nil, ErrMalformed
		}
		return &Notification{Name: name, Args: args}, nil

	case 4:
		tag, ok := AsInt(array[0])
		if !ok || tag != TypeResponse {
			return nil, ErrMalformed
		}
		id, ok := AsInt(array[1])
		if !ok || id < 0 || id > math.MaxUint32 {
			return nil, ErrMalformed
		}
		return &Response{ID: uint32(id), Error: array[2], Result: array[3]}, nil
	}

	return nil, ErrMalformed
}

// AsInt coerces any integer width a msgpack decoder can produce into int64.
func AsInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

// AsString coerces the decoder's string representations (str or bin) into a
// Go string.
func AsString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}
