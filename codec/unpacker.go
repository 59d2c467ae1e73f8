// Package codec implements the streaming msgpack boundary of the transport.
//
// The Unpacker is fed raw byte chunks as they arrive off the wire and yields
// zero or more fully-decoded top-level values per feed. The Packer is the
// outbound mirror: callers append complete messages to its buffer, the I/O
// loop writes the buffer and drops the confirmed-sent prefix.
//
// Both sides ride on github.com/vmihailenco/msgpack; neither performs I/O.
package codec

import (
	"bytes"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Unpacker is an incremental msgpack decoder. Feed appends raw bytes; Next
// decodes the next complete top-level value, or reports that the buffered
// bytes end mid-message.
//
// Not safe for concurrent use: a single reader owns it.
type Unpacker struct {
	buf []byte
}

// Feed appends a chunk of raw bytes from the wire.
func (u *Unpacker) Feed(p []byte) {
	u.buf = append(u.buf, p...)
}

// Next decodes the next complete value from the buffered bytes.
// ok is false when the buffer is empty or ends mid-message; the partial
// bytes stay buffered and decoding restarts on the next Feed.
// A non-nil error means the stream itself is corrupt — there is no way to
// resynchronize msgpack framing, so the caller must treat it as fatal.
func (u *Unpacker) Next() (v interface{}, ok bool, err error) {
	if len(u.buf) == 0 {
		return nil, false, nil
	}

	// bytes.Reader is an io.ByteScanner, so the decoder consumes it directly
	// and the reader's remaining length tells us exactly how many bytes the
	// decoded value occupied.
	r := bytes.NewReader(u.buf)
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(r)
	dec.UseLooseInterfaceDecoding(true)

	v, err = dec.DecodeInterface()
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// Incomplete message: wait for more bytes.
			return nil, false, nil
		}
		return nil, false, err
	}

	u.buf = u.buf[len(u.buf)-r.Len():]
	return v, true, nil
}

// Buffered returns the number of undecoded bytes currently held.
func (u *Unpacker) Buffered() int {
	return len(u.buf)
}
