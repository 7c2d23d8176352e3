package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Client is a connection to a Server's Unix socket. Safe for concurrent
// use; each Call is matched to its response by a monotonic request ID.
type Client struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *bufio.Scanner

	mu      sync.Mutex
	nextID  uint64
	pending map[string]chan Response
	readErr error
	done    chan struct{}
}

// Dial connects to the daemon's control socket at socketPath.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", socketPath, err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	c := &Client{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		dec:     scanner,
		pending: make(map[string]chan Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for c.dec.Scan() {
		var resp Response
		if err := json.Unmarshal(c.dec.Bytes(), &resp); err != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
	c.mu.Lock()
	c.readErr = c.dec.Err()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// Call sends method with params and blocks for the matching response,
// unmarshaling its result into out (which may be nil to discard it).
func (c *Client) Call(method string, params any, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("ipc: marshaling params: %w", err)
	}

	id := fmt.Sprintf("%d", atomic.AddUint64(&c.nextID, 1))
	ch := make(chan Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	req := Request{ID: id, Method: method, Params: raw}
	if err := c.enc.Encode(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("ipc: writing request: %w", err)
	}

	resp, ok := <-ch
	if !ok {
		if c.readErr != nil {
			return fmt.Errorf("ipc: connection closed: %w", c.readErr)
		}
		return fmt.Errorf("ipc: connection closed")
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
