package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"

	"nvim-rpc/protocol"
)

// Packer serializes outbound requests into an append-only send buffer.
//
// AppendRequest either appends one complete wire message or leaves the
// buffer untouched — a half-encoded message would corrupt the stream for
// every message after it. Bytes/Len/Consume operate on the unsent region.
//
// Packer itself is not synchronized; the connection guards it with the send
// buffer lock.
type Packer struct {
	buf bytes.Buffer
	enc *msgpack.Encoder
}

func NewPacker() *Packer {
	p := &Packer{}
	p.enc = msgpack.NewEncoder(&p.buf)
	return p
}

// AppendRequest appends a [0, id, method, args] request to the buffer.
// Pass protocol.NoReplyID as the id for a fire-and-forget request.
func (p *Packer) AppendRequest(id uint32, method string, args []interface{}) error {
	start := p.buf.Len()

	err := p.appendRequest(id, method, args)
	if err != nil {
		// Roll back to the last complete message.
		p.buf.Truncate(start)
	}
	return err
}

func (p *Packer) appendRequest(id uint32, method string, args []interface{}) error {
	if err := p.enc.EncodeArrayLen(4); err != nil {
		return err
	}
	if err := p.enc.EncodeUint(uint64(protocol.TypeRequest)); err != nil {
		return err
	}
	if err := p.enc.EncodeUint(uint64(id)); err != nil {
		return err
	}
	if err := p.enc.EncodeString(method); err != nil {
		return err
	}
	if err := p.enc.EncodeArrayLen(len(args)); err != nil {
		return err
	}
	for _, arg := range args {
		if err := p.enc.Encode(arg); err != nil {
			return err
		}
	}
	return nil
}

// Bytes returns the unsent region of the buffer. The view is invalidated by
// the next AppendRequest or Consume.
func (p *Packer) Bytes() []byte {
	return p.buf.Bytes()
}

// Len reports the number of unsent bytes.
func (p *Packer) Len() int {
	return p.buf.Len()
}

// Consume drops n confirmed-written bytes from the front of the buffer.
func (p *Packer) Consume(n int) {
	p.buf.Next(n)
}
