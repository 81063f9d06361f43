package ipc

import (
	"bufio"
	"fmt"
	"net"
	"time"

	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/types"
)

// Client connects to the daemon socket to send control requests.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new IPC client.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

// SetTimeout sets the connection and read/write timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// Send sends a message and waits for a response.
// The response is parsed and returned as the appropriate message type.
func (c *Client) Send(msg any) (Message, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to conductor socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	data, err := Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	reader := bufio.NewReader(conn)
	responseLine, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	response, err := ParseMessage(responseLine)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if e, ok := response.(*ErrorMessage); ok {
		return nil, remoteError(e)
	}
	return response, nil
}

// remoteError rebuilds a coded error so callers can test codes with HasCode.
func remoteError(e *ErrorMessage) error {
	if e.Code == "" {
		return fmt.Errorf("server error: %s", e.Message)
	}
	return cerrors.New(e.Code, e.Message)
}

// Launch starts a catalog scenario, or inline source when source is non-empty.
func (c *Client) Launch(scenario string, source []byte, args map[string]string) (string, error) {
	response, err := c.Send(&LaunchMessage{
		Type:      MsgLaunch,
		Scenario:  scenario,
		Source:    string(source),
		Arguments: args,
	})
	if err != nil {
		return "", err
	}
	r, ok := response.(*LaunchedMessage)
	if !ok {
		return "", fmt.Errorf("unexpected response type: %T", response)
	}
	return r.InstanceID, nil
}

// Stop requests a stop of an instance.
func (c *Client) Stop(instanceID string) error {
	response, err := c.Send(&StopMessage{Type: MsgStop, InstanceID: instanceID})
	if err != nil {
		return err
	}
	if r, ok := response.(*AckMessage); !ok || !r.Success {
		return fmt.Errorf("stop was not acknowledged")
	}
	return nil
}

// Status returns an instance snapshot.
func (c *Client) Status(instanceID string) (*types.ScenarioInstance, error) {
	return c.instance(&StatusMessage{Type: MsgStatus, InstanceID: instanceID})
}

// Wait blocks until the instance is terminal or timeout elapses. The client
// timeout is raised to cover the wait.
func (c *Client) Wait(instanceID string, timeout time.Duration) (*types.ScenarioInstance, error) {
	if timeout > 0 && c.timeout < timeout+5*time.Second {
		c.timeout = timeout + 5*time.Second
	}
	msg := &WaitMessage{Type: MsgWait, InstanceID: instanceID}
	if timeout > 0 {
		msg.Timeout = timeout.String()
	}
	return c.instance(msg)
}

func (c *Client) instance(msg any) (*types.ScenarioInstance, error) {
	response, err := c.Send(msg)
	if err != nil {
		return nil, err
	}
	r, ok := response.(*InstanceMessage)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", response)
	}
	return r.Instance, nil
}

// List returns the instances matching the filter fields of msg.
func (c *Client) List(status types.ScenarioStatus, scenario string, active bool) ([]*types.ScenarioInstance, error) {
	response, err := c.Send(&ListMessage{Type: MsgList, Status: status, Scenario: scenario, Active: active})
	if err != nil {
		return nil, err
	}
	r, ok := response.(*InstancesMessage)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", response)
	}
	return r.Instances, nil
}
