package transport

import (
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"nvim-rpc/codec"
	"nvim-rpc/protocol"
	"nvim-rpc/rpctest"
)

// recordSink captures everything a Conn pushes upward, in order.
type recordSink struct {
	mu       sync.Mutex
	events   []string
	redraws  chan []interface{}
	closed   chan struct{} // RequestClose seen
	shutdown chan struct{} // OnShutdownComplete seen
}

func newRecordSink() *recordSink {
	return &recordSink{
		redraws:  make(chan []interface{}, 8),
		closed:   make(chan struct{}),
		shutdown: make(chan struct{}),
	}
}

func (s *recordSink) OnRedraw(args []interface{}) {
	s.record("redraw")
	s.redraws <- args
}

func (s *recordSink) RequestClose() {
	s.record("request_close")
	close(s.closed)
}

func (s *recordSink) OnShutdownComplete() {
	s.record("shutdown_complete")
	close(s.shutdown)
}

func (s *recordSink) record(e string) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// pipePeer wires a Conn to an rpctest.Peer over an in-memory duplex channel.
func pipePeer(t *testing.T) (*Conn, *rpctest.Peer, *recordSink) {
	t.Helper()

	local, remote := net.Pipe()
	sink := newRecordSink()
	conn := NewConn(local, local, sink)
	peer := rpctest.NewPeer(remote)

	t.Cleanup(func() {
		conn.Close()
		remote.Close()
	})
	return conn, peer, sink
}

func waitOrFail(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

type reply struct {
	err    interface{}
	result interface{}
}

// End-to-end: one request, one correlated response, callback exactly once,
// id free again afterward.
func TestRequestResponse(t *testing.T) {
	conn, peer, _ := pipePeer(t)

	peer.Handle("nvim_get_api_info", func(method string, args []interface{}) (interface{}, interface{}) {
		return []interface{}{2, map[string]interface{}{}}, nil
	})
	go peer.Serve()

	replies := make(chan reply, 2)
	id, err := conn.Request("nvim_get_api_info", nil, func(e, r interface{}) {
		replies <- reply{e, r}
	})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	var got reply
	select {
	case got = <-replies:
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
	}

	if got.err != nil {
		t.Fatalf("unexpected rpc error: %v", got.err)
	}
	result, ok := got.result.([]interface{})
	if !ok || len(result) != 2 {
		t.Fatalf("unexpected result: %#v", got.result)
	}
	if channel, _ := protocol.AsInt(result[0]); channel != 2 {
		t.Errorf("channel id mismatch: got %v, want 2", result[0])
	}

	if conn.calls.Has(id) {
		t.Errorf("id %d still reserved after its response was consumed", id)
	}
	select {
	case extra := <-replies:
		t.Fatalf("callback fired twice: %#v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

// Fire-and-forget: the request carries the sentinel id, no slot is consumed,
// and the peer's echoed sentinel reply is silently discarded.
func TestFireAndForget(t *testing.T) {
	conn, peer, _ := pipePeer(t)

	peer.Handle("nvim_command", func(method string, args []interface{}) (interface{}, interface{}) {
		return nil, nil
	})
	peer.Handle("nvim_get_api_info", func(method string, args []interface{}) (interface{}, interface{}) {
		return "ok", nil
	})
	go peer.Serve()

	if err := conn.RequestNoReply("nvim_command", []interface{}{"qa!"}); err != nil {
		t.Fatalf("RequestNoReply failed: %v", err)
	}

	// A follow-up request proves the sentinel reply was dispatched and
	// discarded without disturbing the connection or the table.
	replies := make(chan reply, 1)
	if _, err := conn.Request("nvim_get_api_info", nil, func(e, r interface{}) {
		replies <- reply{e, r}
	}); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	select {
	case got := <-replies:
		if s, _ := protocol.AsString(got.result); s != "ok" {
			t.Fatalf("unexpected result: %#v", got.result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no response after fire-and-forget")
	}

	reqs := peer.Requests()
	if len(reqs) != 2 {
		t.Fatalf("peer saw %d requests, want 2", len(reqs))
	}
	if reqs[0].ID != protocol.NoReplyID {
		t.Errorf("fire-and-forget id: got %d, want sentinel", reqs[0].ID)
	}
	if reqs[0].Method != "nvim_command" {
		t.Errorf("method mismatch: got %s", reqs[0].Method)
	}
	if s, _ := protocol.AsString(reqs[0].Args[0]); s != "qa!" {
		t.Errorf("argument mismatch: got %#v", reqs[0].Args)
	}
}

// Duplicate wire responses invoke the stored callback at most once. Driven
// through dispatch directly so the second delivery cannot race a reuse of
// the freed slot.
func TestDuplicateResponseDroppedAfterTake(t *testing.T) {
	conn, _, _ := pipePeer(t)

	calls := 0
	id := conn.calls.Store(func(e, r interface{}) { calls++ })

	conn.dispatch([]interface{}{int64(1), int64(id), nil, "first"})
	conn.dispatch([]interface{}{int64(1), int64(id), nil, "second"})

	if calls != 1 {
		t.Fatalf("callback ran %d times, want 1", calls)
	}
	if conn.calls.Has(id) {
		t.Error("slot still reserved after consume")
	}
}

func TestSentinelResponseDiscarded(t *testing.T) {
	conn, _, _ := pipePeer(t)

	fired := false
	conn.calls.Store(func(e, r interface{}) { fired = true })

	conn.dispatch([]interface{}{int64(1), int64(protocol.NoReplyID), nil, nil})
	if fired {
		t.Fatal("sentinel response reached a stored handler")
	}
}

func TestUnmatchedResponseIsNonFatal(t *testing.T) {
	conn, _, _ := pipePeer(t)

	// Never allocated; must log and drop, not crash.
	conn.dispatch([]interface{}{int64(1), int64(12345), nil, nil})
}

func TestRedrawNotificationRouted(t *testing.T) {
	conn, peer, sink := pipePeer(t)
	go peer.Serve()
	_ = conn

	if err := peer.Notify("redraw", []interface{}{"grid_resize", int64(1)}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case args := <-sink.redraws:
		if len(args) != 1 {
			t.Fatalf("unexpected redraw args: %#v", args)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("redraw never reached the sink")
	}
}

func TestUnhandledNotificationIgnored(t *testing.T) {
	conn, _, sink := pipePeer(t)

	conn.dispatch([]interface{}{int64(2), "nvim_buf_lines_event", []interface{}{}})
	if len(sink.snapshot()) != 0 {
		t.Fatal("unhandled notification leaked to the sink")
	}
}

func TestMalformedMessageDropped(t *testing.T) {
	conn, peer, _ := pipePeer(t)
	go peer.Serve()

	// Wrong shape on the wire: logged, dropped, connection keeps working.
	if err := peer.Send([]interface{}{int64(9), "bogus"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	peer.Handle("nvim_get_api_info", func(method string, args []interface{}) (interface{}, interface{}) {
		return "alive", nil
	})
	replies := make(chan reply, 1)
	if _, err := conn.Request("nvim_get_api_info", nil, func(e, r interface{}) {
		replies <- reply{e, r}
	}); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	select {
	case <-replies:
	case <-time.After(5 * time.Second):
		t.Fatal("connection dead after malformed message")
	}
}

// Enqueuing into an empty buffer arms the writer exactly once; appending to
// a non-empty buffer arms nothing; draining to empty re-enables the edge.
// Built without loops so the wake channel is observable.
func TestBackpressureEdgeTriggering(t *testing.T) {
	c := &Conn{
		packer: codec.NewPacker(),
		wake:   make(chan struct{}, 1),
	}

	if err := c.enqueue(protocol.NoReplyID, "nvim_command", nil); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if len(c.wake) != 1 {
		t.Fatalf("empty→nonempty did not arm: %d tokens", len(c.wake))
	}
	<-c.wake

	if err := c.enqueue(protocol.NoReplyID, "nvim_command", nil); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if len(c.wake) != 0 {
		t.Fatal("append to non-empty buffer armed the writer again")
	}

	// Drain to empty, as the write loop would.
	c.mu.Lock()
	c.packer.Consume(c.packer.Len())
	c.mu.Unlock()

	if err := c.enqueue(protocol.NoReplyID, "nvim_command", nil); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if len(c.wake) != 1 {
		t.Fatal("edge not re-armed after drain")
	}
}

// Clean peer disconnect: RequestClose first, then orderly two-phase
// teardown, writer cancelled before the reader, resources released last.
func TestEOFTriggersOrderlyShutdown(t *testing.T) {
	local, remote := net.Pipe()
	sink := newRecordSink()
	conn := NewConn(local, local, sink)

	remote.Close()

	waitOrFail(t, sink.closed, "RequestClose")
	waitOrFail(t, sink.shutdown, "OnShutdownComplete")
	waitOrFail(t, conn.Done(), "Done")

	events := sink.snapshot()
	if len(events) != 2 || events[0] != "request_close" || events[1] != "shutdown_complete" {
		t.Fatalf("event order: %v", events)
	}

	// Writer cancellation precedes reader teardown.
	select {
	case <-conn.writerDone:
	default:
		t.Fatal("writer still running after Done")
	}
	select {
	case <-conn.readerDone:
	default:
		t.Fatal("reader still running after Done")
	}
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	sink := newRecordSink()
	conn := NewConn(local, local, sink)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if err := conn.RequestNoReply("nvim_command", nil); err != ErrClosed {
		t.Fatalf("enqueue after Close: got %v, want ErrClosed", err)
	}
	if _, err := conn.Request("nvim_get_api_info", nil, func(e, r interface{}) {}); err != ErrClosed {
		t.Fatalf("Request after Close: got %v, want ErrClosed", err)
	}
}

func TestSpawnLaunchFailure(t *testing.T) {
	sink := newRecordSink()
	_, err := Spawn("/nonexistent/definitely-not-nvim", nil, nil, sink)
	if err == nil {
		t.Fatal("expected launch error")
	}
	if len(sink.snapshot()) != 0 {
		t.Fatal("sink touched for a connection that never activated")
	}
}

// Spawn a real process over pipes. cat echoes our requests back; they
// classify as request-shaped (malformed for a client), get dropped, and the
// connection still tears down cleanly.
func TestSpawnPipes(t *testing.T) {
	if _, err := os.Stat("/bin/cat"); err != nil {
		t.Skip("/bin/cat not available")
	}

	sink := newRecordSink()
	conn, err := Spawn("/bin/cat", nil, nil, sink)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if err := conn.RequestNoReply("nvim_command", []interface{}{"qa!"}); err != nil {
		t.Fatalf("RequestNoReply failed: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	waitOrFail(t, sink.shutdown, "OnShutdownComplete")
}

func TestDialPathTooLong(t *testing.T) {
	long := make([]byte, maxSocketPath)
	for i := range long {
		long[i] = 'x'
	}

	_, err := Dial(string(long), newRecordSink())
	if !errors.Is(err, unix.EINVAL) {
		t.Fatalf("expected EINVAL, got %v", err)
	}
}

func TestDialConnectFailure(t *testing.T) {
	_, err := Dial("/tmp/nvim-rpc-no-such-socket.sock", newRecordSink())
	if err == nil {
		t.Fatal("expected connect error")
	}
}
