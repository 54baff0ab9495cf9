package control

import (
	"bufio"
	"encoding/json"
	stderrors "errors"
	"net"
	"strings"
	"time"

	"github.com/sdss/cerebro/dispatch"
	"github.com/sdss/cerebro/errors"
)

// Client talks the one-line protocol to a running daemon.
type Client struct {
	socket  string
	timeout time.Duration
}

// NewClient creates a client for the given socket path. An empty path uses
// DefaultSocket; a zero timeout defaults to five seconds per exchange.
func NewClient(socket string, timeout time.Duration) *Client {
	if socket == "" {
		socket = DefaultSocket
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{socket: socket, timeout: timeout}
}

// roundTrip performs one request-response exchange.
func (c *Client) roundTrip(request string) (string, error) {
	conn, err := net.DialTimeout("unix", c.socket, c.timeout)
	if err != nil {
		return "", errors.WrapConnection(err, "control", "roundTrip", "dial "+c.socket)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write(append([]byte(request), '\n')); err != nil {
		return "", errors.WrapConnection(err, "control", "roundTrip", "send request")
	}
	resp, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && resp == "" {
		return "", errors.WrapConnection(err, "control", "roundTrip", "read response")
	}
	return strings.TrimSpace(resp), nil
}

// Status fetches the daemon's component snapshot.
func (c *Client) Status() (dispatch.Status, error) {
	resp, err := c.roundTrip("status")
	if err != nil {
		return dispatch.Status{}, err
	}
	if msg, isErr := errorReply(resp); isErr {
		return dispatch.Status{}, errors.Wrap(stderrors.New(msg), "control", "Status", "request refused")
	}
	var st dispatch.Status
	if err := json.Unmarshal([]byte(resp), &st); err != nil {
		return dispatch.Status{}, errors.WrapProtocol(err, "control", "Status", "decode response")
	}
	return st, nil
}

// Restart asks the daemon to restart one source. Unknown names come back
// as a not-found error.
func (c *Client) Restart(name string) error {
	resp, err := c.roundTrip("restart " + name)
	if err != nil {
		return err
	}
	if resp == "ok" {
		return nil
	}
	if msg, isErr := errorReply(resp); isErr {
		if msg == "not found" {
			return errors.NotFound("control", "source", name)
		}
		return errors.Wrap(stderrors.New(msg), "control", "Restart", "restart "+name)
	}
	return errors.WrapProtocol(stderrors.New("unexpected reply "+resp), "control", "Restart", "parse response")
}

// Stop asks the daemon to shut down.
func (c *Client) Stop() error {
	resp, err := c.roundTrip("stop")
	if err != nil {
		return err
	}
	if resp == "ok" {
		return nil
	}
	if msg, isErr := errorReply(resp); isErr {
		return errors.Wrap(stderrors.New(msg), "control", "Stop", "request refused")
	}
	return errors.WrapProtocol(stderrors.New("unexpected reply "+resp), "control", "Stop", "parse response")
}

// errorReply splits an "error: ..." line into its message.
func errorReply(resp string) (string, bool) {
	if after, found := strings.CutPrefix(resp, "error: "); found {
		return after, true
	}
	return "", false
}
