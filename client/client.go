// Package client is the high-level surface over one msgpack-RPC connection
// to Neovim: synchronous calls with context cancellation, fire-and-forget
// notifications, and typed wrappers for the handful of API entry points a UI
// needs at startup and shutdown.
package client

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"nvim-rpc/middleware"
	"nvim-rpc/protocol"
	"nvim-rpc/transport"
)

// Client owns one connection for its whole lifetime. All methods are safe
// for concurrent use.
type Client struct {
	conn *transport.Conn
	log  *zap.Logger
	send middleware.SendFunc

	middlewares    []middleware.Middleware
	transportOpts  []transport.Option
	redrawHandler  func(args []interface{})
	closeRequested func()
	shutdownDone   func()
}

type Option func(*Client)

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		c.log = log
		c.transportOpts = append(c.transportOpts, transport.WithLogger(log))
	}
}

// WithMiddleware installs middlewares around the send path, outermost first.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mw...) }
}

// WithRedrawHandler receives the argument batches of "redraw" notifications.
// Runs on the connection's reader goroutine and must not block.
func WithRedrawHandler(f func(args []interface{})) Option {
	return func(c *Client) { c.redrawHandler = f }
}

// WithCloseRequestHandler fires when the peer disconnects cleanly, before
// teardown begins. The UI closes its window here.
func WithCloseRequestHandler(f func()) Option {
	return func(c *Client) { c.closeRequested = f }
}

// WithShutdownHandler fires once teardown has fully completed.
func WithShutdownHandler(f func()) Option {
	return func(c *Client) { c.shutdownDone = f }
}

// Spawn launches Neovim as an embedded subprocess ("nvim --embed" plus any
// extra args) and connects over its standard streams.
func Spawn(path string, args, env []string, opts ...Option) (*Client, error) {
	c := build(opts)
	conn, err := transport.Spawn(path, args, env, &sinkAdapter{c}, c.transportOpts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// Dial connects to a running Neovim over the unix domain socket it
// advertises in v:servername.
func Dial(addr string, opts ...Option) (*Client, error) {
	c := build(opts)
	conn, err := transport.Dial(addr, &sinkAdapter{c}, c.transportOpts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func build(opts []Option) *Client {
	c := &Client{log: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	c.send = middleware.Chain(c.middlewares...)(c.baseSend)
	return c
}

// baseSend is the innermost SendFunc: hand the call to the connection.
// Enqueuing never blocks, so ctx only matters to the middlewares above.
func (c *Client) baseSend(ctx context.Context, call *middleware.Call) error {
	if call.Handler == nil {
		return c.conn.RequestNoReply(call.Method, call.Args)
	}
	_, err := c.conn.Request(call.Method, call.Args, call.Handler)
	return err
}

type result struct {
	err    interface{}
	result interface{}
}

// Call issues a request and blocks until the response arrives, ctx is done,
// or the connection shuts down. Abandoning a call on ctx expiry leaves its
// id reserved until the (late) response arrives and releases it.
func (c *Client) Call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	if args == nil {
		args = []interface{}{}
	}
	ch := make(chan result, 1)
	call := &middleware.Call{
		Method: method,
		Args:   args,
		Handler: func(e, r interface{}) {
			ch <- result{e, r}
		},
	}
	if err := c.send(ctx, call); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, rpcError(method, res.err)
		}
		return res.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.conn.Done():
		return nil, transport.ErrClosed
	}
}

// Notify issues a fire-and-forget request carrying the sentinel id; any
// reply the peer sends is discarded by the transport.
func (c *Client) Notify(ctx context.Context, method string, args ...interface{}) error {
	if args == nil {
		args = []interface{}{}
	}
	return c.send(ctx, &middleware.Call{Method: method, Args: args})
}

// APIInfo returns the [channel-id, metadata] pair from nvim_get_api_info.
func (c *Client) APIInfo(ctx context.Context) (interface{}, error) {
	return c.Call(ctx, "nvim_get_api_info")
}

// Command executes an ex command and waits for completion.
func (c *Client) Command(ctx context.Context, cmd string) error {
	_, err := c.Call(ctx, "nvim_command", cmd)
	return err
}

// Input queues raw keys and returns how many bytes were actually written.
func (c *Client) Input(ctx context.Context, keys string) (int64, error) {
	v, err := c.Call(ctx, "nvim_input", keys)
	if err != nil {
		return 0, err
	}
	n, ok := protocol.AsInt(v)
	if !ok {
		return 0, fmt.Errorf("client: nvim_input returned %#v", v)
	}
	return n, nil
}

// UIAttach registers this client as a UI of the given grid size, requesting
// the line-grid protocol.
func (c *Client) UIAttach(ctx context.Context, width, height int) error {
	opts := map[string]interface{}{"ext_linegrid": true}
	_, err := c.Call(ctx, "nvim_ui_attach", width, height, opts)
	return err
}

// Quit asks the peer to exit. With force the quit discards unsaved changes;
// without it the peer may refuse. Fire-and-forget: the peer's exit, not a
// response, is the acknowledgement.
func (c *Client) Quit(ctx context.Context, force bool) error {
	cmd := "qa"
	if force {
		cmd = "qa!"
	}
	return c.Notify(ctx, "nvim_command", cmd)
}

// Close tears the connection down and blocks until both I/O directions have
// stopped. Pending calls outstanding at this point never complete; use
// Call's ctx for per-call deadlines instead.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Done is closed once the connection has fully shut down.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

// sinkAdapter feeds transport events into the client's optional handlers.
type sinkAdapter struct {
	c *Client
}

func (s *sinkAdapter) OnRedraw(args []interface{}) {
	if s.c.redrawHandler != nil {
		s.c.redrawHandler(args)
	}
}

func (s *sinkAdapter) RequestClose() {
	if s.c.closeRequested != nil {
		s.c.closeRequested()
	}
}

func (s *sinkAdapter) OnShutdownComplete() {
	if s.c.shutdownDone != nil {
		s.c.shutdownDone()
	}
}

// rpcError converts a wire error value into a Go error. Neovim reports
// failures as [type, message] pairs.
func rpcError(method string, v interface{}) error {
	if array, ok := v.([]interface{}); ok && len(array) == 2 {
		if msg, ok := protocol.AsString(array[1]); ok {
			return fmt.Errorf("client: %s: %s", method, msg)
		}
	}
	return fmt.Errorf("client: %s: %v", method, v)
}
