package transport

import (
	"go.uber.org/zap"

	"nvim-rpc/protocol"
)

// dispatch classifies one decoded top-level value and routes it. Runs on the
// reader goroutine, so handlers and sink callbacks never overlap each other.
func (c *Conn) dispatch(v interface{}) {
	msg, err := protocol.Classify(v)
	if err != nil {
		// Shape errors are non-fatal: log and drop, the stream itself is
		// still well-framed.
		c.log.Error("dropping malformed message", zap.Any("value", v))
		return
	}

	switch m := msg.(type) {
	case *protocol.Notification:
		c.handleNotification(m)
	case *protocol.Response:
		c.handleResponse(m)
	}
}

func (c *Conn) handleNotification(n *protocol.Notification) {
	if n.Name == protocol.RedrawEvent {
		c.sink.OnRedraw(n.Args)
		return
	}
	c.log.Info("unhandled notification",
		zap.String("name", n.Name),
		zap.Int("args", len(n.Args)))
}

func (c *Conn) handleResponse(r *protocol.Response) {
	if r.ID == protocol.NoReplyID {
		// Fire-and-forget: no handler was ever expected.
		return
	}

	h := c.calls.Take(r.ID)
	if h == nil {
		// A late reply racing a cleared slot, or a duplicate. Either way the
		// connection must survive it.
		c.log.Error("no response handler", zap.Uint32("id", r.ID))
		return
	}
	h(r.Error, r.Result)
}
