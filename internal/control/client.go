package control

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client sends control commands to a running orchestrator.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a control client for the given socket path
// (SocketFileName when empty).
func NewClient(socketPath string) *Client {
	if socketPath == "" {
		socketPath = SocketFileName
	}
	return &Client{
		socketPath: socketPath,
		timeout:    10 * time.Second,
	}
}

// Send delivers one command and returns the orchestrator's response.
func (c *Client) Send(cmd Command) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to reach orchestrator (is teamloop run active?): %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}
	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &resp, nil
}

// Pause asks the orchestrator to pause at the next iteration boundary.
func (c *Client) Pause(reason string) (*Response, error) {
	return c.Send(Command{Type: CmdPause, Reason: reason})
}

// Resume clears an operator pause.
func (c *Client) Resume() (*Response, error) {
	return c.Send(Command{Type: CmdResume})
}

// Stop requests a graceful stop.
func (c *Client) Stop() (*Response, error) {
	return c.Send(Command{Type: CmdStop})
}

// Status probes the loop's current state.
func (c *Client) Status() (*Response, error) {
	return c.Send(Command{Type: CmdStatus})
}
