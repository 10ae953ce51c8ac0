package uds

import (
	"fmt"
	"net"
	"time"
)

// Client sends one control command per connection to an active run's socket.
type Client struct {
	path    string
	timeout time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{path: socketPath, timeout: 30 * time.Second}
}

func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Call builds a request for the command and sends it.
func (c *Client) Call(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// Send delivers a pre-built request. Most callers want Call.
func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return nil, fmt.Errorf(
			"connect to the run at %s: %w\nIs a run active? Start one with: autoai run",
			c.path, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %q: %w", req.Command, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read %q response: %w", req.Command, err)
	}
	return &resp, nil
}
