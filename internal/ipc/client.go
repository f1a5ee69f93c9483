package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Client is a synchronous connection to the IPC server.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
	enc     *json.Encoder
	nextID  atomic.Int64
}

// Dial connects and completes the hello handshake.
func Dial(socketPath, clientVersion string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	c := &Client{conn: conn, enc: json.NewEncoder(conn)}
	c.scanner = bufio.NewScanner(conn)
	c.scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var hello HelloResult
	if err := c.Call("hello", HelloParams{ProtocolVersion: ProtocolVersion, ClientVersion: clientVersion}, &hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return c, nil
}

// Close drops the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// RemoteError is a server-side failure.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// Call sends one request and decodes the matching response into result.
// Notifications arriving before the response are skipped; use
// CallWithNotify when they matter.
func (c *Client) Call(method string, params, result any) error {
	_, err := c.call(method, params, result, nil)
	return err
}

// CallWithNotify behaves like Call and additionally delivers any
// notifications that arrive with the response, e.g. bot.terminal for a
// subscribed bot.run.
func (c *Client) CallWithNotify(method string, params, result any, onNotify func(Notification)) error {
	_, err := c.call(method, params, result, onNotify)
	if err != nil {
		return err
	}
	// A subscribed run's terminal notification follows the response on
	// the same connection.
	if onNotify != nil {
		c.drainNotifications(onNotify)
	}
	return nil
}

func (c *Client) call(method string, params, result any, onNotify func(Notification)) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	idRaw, _ := json.Marshal(id)
	var paramsRaw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsRaw = data
	}
	if err := c.enc.Encode(Request{ID: idRaw, Method: method, Params: paramsRaw}); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		var probe struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		if probe.ID == nil && probe.Method != "" {
			if onNotify != nil {
				var n Notification
				var raw struct {
					Method string          `json:"method"`
					Params json.RawMessage `json:"params"`
				}
				if err := json.Unmarshal(line, &raw); err == nil {
					n.Method = raw.Method
					n.Params = raw.Params
					onNotify(n)
				}
			}
			continue
		}

		var resp struct {
			ID     json.RawMessage `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *ErrorObject    `json:"error"`
		}
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if resp.Error != nil {
			return nil, &RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if result != nil && resp.Result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return nil, fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return resp.Result, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return nil, fmt.Errorf("connection closed before %s response", method)
}

// drainNotifications reads pending notifications without blocking on a
// further request cycle.
func (c *Client) drainNotifications(onNotify func(Notification)) {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	for c.scanner.Scan() {
		var raw struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(c.scanner.Bytes(), &raw); err != nil {
			return
		}
		if raw.ID == nil && raw.Method != "" {
			onNotify(Notification{Method: raw.Method, Params: raw.Params})
			return
		}
	}
}
