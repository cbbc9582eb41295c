package uds

import (
	"fmt"
	"net"
	"time"
)

// Client talks to a running ozwatch daemon. Each call dials a fresh
// connection.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

func (c *Client) Send(req *Request) (*Response, error) {
	return c.send(req, c.timeout)
}

func (c *Client) send(req *Request, timeout time.Duration) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to connect to daemon at %s: %w\n"+
				"Is the daemon running? Start it with: ozwatch run",
			c.socketPath, err,
		)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(timeout))

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Command, err)
	}
	if !resp.Success && resp.Error == nil {
		return nil, fmt.Errorf("%s: daemon reported failure without detail", req.Command)
	}
	return &resp, nil
}

func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// Call sends a command and decodes a successful response into out.
func (c *Client) Call(command string, params, out any) error {
	return c.CallWithin(command, params, out, c.timeout)
}

// CallWithin is Call with a deadline for this call only.
func (c *Client) CallWithin(command string, params, out any, timeout time.Duration) error {
	req, err := NewRequest(command, params)
	if err != nil {
		return err
	}
	resp, err := c.send(req, timeout)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

func (c *Client) Ping() (PingResult, error) {
	var res PingResult
	err := c.Call(CmdPing, nil, &res)
	return res, err
}

// WaitReady blocks in the daemon's ready waiter. timeout must cover the
// wait budget; the client timeout is used when it is longer.
func (c *Client) WaitReady(p WaitParams, timeout time.Duration) (WaitReadyResult, error) {
	var res WaitReadyResult
	if err := p.validate(); err != nil {
		return res, err
	}
	err := c.CallWithin(CmdWaitReady, p, &res, max(timeout, c.timeout))
	return res, err
}

// WaitQueue blocks until the current home's send queue drains or its
// budget runs out.
func (c *Client) WaitQueue(p WaitParams, timeout time.Duration) (WaitQueueResult, error) {
	var res WaitQueueResult
	if err := p.validate(); err != nil {
		return res, err
	}
	err := c.CallWithin(CmdWaitQueue, p, &res, max(timeout, c.timeout))
	return res, err
}

func (p WaitParams) validate() error {
	if p.Attempts < 0 || p.IntervalMs < 0 {
		return &ErrorDetail{
			Code:    ErrCodeValidation,
			Message: fmt.Sprintf("attempts and interval_ms must not be negative (got %d, %d)", p.Attempts, p.IntervalMs),
		}
	}
	return nil
}
