package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by calls made after signal-cli went away.
var ErrClosed = errors.New("signal-cli connection closed")

// RPCError is an error object returned by signal-cli.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("signal-cli rpc error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// frame is any line signal-cli writes: a response when ID is set, a
// notification otherwise.
type frame struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

type reply struct {
	result json.RawMessage
	err    error
}

// Client speaks JSON-RPC to signal-cli over its stdin and stdout.
// Responses are matched to calls by id; received data messages are
// queued on Envelopes.
type Client struct {
	command string
	args    []string
	logger  *slog.Logger

	cmd    *exec.Cmd
	exited chan error

	w      io.WriteCloser
	r      *bufio.Reader
	seq    atomic.Int64
	wmu    sync.Mutex // serializes writes and guards calls
	calls  map[int64]chan reply
	inbox  chan *Envelope
	closed chan struct{}
}

// NewClient creates a client for the given signal-cli invocation. Call
// Start to launch it.
func NewClient(command string, args []string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		command: command,
		args:    args,
		logger:  logger.With("component", "signal"),
		exited:  make(chan error, 1),
		calls:   make(map[int64]chan reply),
		inbox:   make(chan *Envelope, 64),
		closed:  make(chan struct{}),
	}
}

// Start launches signal-cli and begins reading from it. It must be
// called once.
func (c *Client) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.command, err)
	}
	c.cmd = cmd
	c.attach(stdout, stdin)

	go c.logStderr(stderr)
	go func() {
		err := cmd.Wait()
		c.logger.Info("signal-cli exited", "error", err)
		c.exited <- err
	}()

	c.logger.Info("signal-cli started", "command", c.command, "pid", cmd.Process.Pid)
	return nil
}

// attach wires the client to a connection and starts the reader.
func (c *Client) attach(r io.Reader, w io.WriteCloser) {
	c.w = w
	c.r = bufio.NewReaderSize(r, 1<<20)
	go c.read()
}

// Envelopes returns received data messages. The channel is closed when
// the connection ends.
func (c *Client) Envelopes() <-chan *Envelope {
	return c.inbox
}

// Close asks signal-cli to exit by closing its stdin, killing it if it
// lingers.
func (c *Client) Close() error {
	if c.w != nil {
		c.w.Close()
	}
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	select {
	case err := <-c.exited:
		return err
	case <-time.After(5 * time.Second):
		c.logger.Warn("signal-cli ignored shutdown, killing", "pid", c.cmd.Process.Pid)
		_ = c.cmd.Process.Kill()
		<-c.exited
		return nil
	}
}

// Send sends text and returns its Signal timestamp.
func (c *Client) Send(ctx context.Context, recipient, text string) (int64, error) {
	return c.send(ctx, map[string]any{
		"recipient": []string{recipient},
		"message":   text,
	})
}

// SendQuoted sends text as a reply to an earlier message, which Signal
// renders with the quoted original above it.
func (c *Client) SendQuoted(ctx context.Context, recipient, text, quoteAuthor string, quoteTimestamp int64, quoteText string) (int64, error) {
	return c.send(ctx, map[string]any{
		"recipient":      []string{recipient},
		"message":        text,
		"quoteTimestamp": quoteTimestamp,
		"quoteAuthor":    quoteAuthor,
		"quoteMessage":   quoteText,
	})
}

func (c *Client) send(ctx context.Context, params map[string]any) (int64, error) {
	raw, err := c.call(ctx, "send", params)
	if err != nil {
		return 0, fmt.Errorf("signal send: %w", err)
	}
	var res sendResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, fmt.Errorf("decode send result: %w", err)
	}
	return res.Timestamp, nil
}

// SendReaction reacts to the message identified by author and
// timestamp.
func (c *Client) SendReaction(ctx context.Context, recipient, emoji, targetAuthor string, targetTimestamp int64) error {
	_, err := c.call(ctx, "sendReaction", map[string]any{
		"recipient":       []string{recipient},
		"emoji":           emoji,
		"targetAuthor":    targetAuthor,
		"targetTimestamp": targetTimestamp,
	})
	if err != nil {
		return fmt.Errorf("signal sendReaction: %w", err)
	}
	return nil
}

// SendTyping starts the typing indicator, or stops it when stop is set.
func (c *Client) SendTyping(ctx context.Context, recipient string, stop bool) error {
	params := map[string]any{"recipient": recipient}
	if stop {
		params["stop"] = true
	}
	if _, err := c.call(ctx, "sendTyping", params); err != nil {
		return fmt.Errorf("signal sendTyping: %w", err)
	}
	return nil
}

// SendReceipt marks a received message as read.
func (c *Client) SendReceipt(ctx context.Context, recipient string, timestamp int64) error {
	_, err := c.call(ctx, "sendReceipt", map[string]any{
		"recipient":       recipient,
		"targetTimestamp": timestamp,
		"type":            "read",
	})
	if err != nil {
		return fmt.Errorf("signal sendReceipt: %w", err)
	}
	return nil
}

// Ping checks that signal-cli answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "version", nil)
	return err
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := c.seq.Add(1)
	line, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	ch := make(chan reply, 1)

	c.wmu.Lock()
	c.calls[id] = ch
	_, err = c.w.Write(append(line, '\n'))
	if err != nil {
		delete(c.calls, id)
	}
	c.wmu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *Client) forget(id int64) (chan reply, bool) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	ch, ok := c.calls[id]
	delete(c.calls, id)
	return ch, ok
}

// read routes every line from signal-cli until the stream ends.
func (c *Client) read() {
	defer close(c.closed)
	defer close(c.inbox)

	for {
		line, err := c.r.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Error("signal-cli read failed", "error", err)
			}
			c.failAll()
			return
		}

		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			c.logger.Debug("signal-cli wrote a non-JSON line", "line", string(line))
			continue
		}

		switch {
		case f.ID != nil:
			ch, ok := c.forget(*f.ID)
			if !ok {
				c.logger.Debug("signal-cli reply for unknown call", "id", *f.ID)
				continue
			}
			var err error
			if f.Error != nil {
				err = f.Error
			}
			ch <- reply{result: f.Result, err: err}
		case f.Method == "receive":
			c.receive(f.Params)
		default:
			c.logger.Debug("signal-cli notification ignored", "method", f.Method)
		}
	}
}

func (c *Client) receive(params json.RawMessage) {
	var p receiveParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.logger.Warn("malformed receive notification", "error", err)
		return
	}
	if p.Envelope.DataMessage == nil {
		return
	}
	select {
	case c.inbox <- &p.Envelope:
	default:
		c.logger.Warn("inbound queue full, dropping message", "sender", p.Envelope.Sender())
	}
}

func (c *Client) failAll() {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	for id, ch := range c.calls {
		ch <- reply{err: ErrClosed}
		delete(c.calls, id)
	}
}

func (c *Client) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		c.logger.Debug("signal-cli stderr", "line", sc.Text())
	}
}
