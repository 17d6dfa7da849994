package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// maxLineBytes bounds a single protocol line. A batch of 50 embeddings at
// 3072 dimensions serializes to a few megabytes of JSON.
const maxLineBytes = 32 * 1024 * 1024

// Client is a connection to a line-delimited JSON socket server. It is not
// safe for concurrent use: the protocol has no response correlation, so
// callers must not pipeline requests.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to a socket server
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", socketPath, err)
	}

	return &Client{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 64*1024),
	}, nil
}

// Call sends one request and waits for one response, bounded by timeout.
func (c *Client) Call(req Request, timeout time.Duration) (*Response, error) {
	deadline := time.Now().Add(timeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	line, err := readLine(c.reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}

	if resp.Error != "" {
		return &resp, fmt.Errorf("server error %s: %s", resp.Error, resp.Message)
	}

	return &resp, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Roundtrip dials, sends a single request and closes the connection. Used
// for health probes where no connection state should linger.
func Roundtrip(socketPath string, req Request, timeout time.Duration) (*Response, error) {
	client, err := Dial(socketPath, timeout)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	return client.Call(req, timeout)
}

// readLine reads one '\n'-terminated line, enforcing the size bound.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		part, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, part...)
		if len(line) > maxLineBytes {
			return nil, fmt.Errorf("line exceeds %d bytes", maxLineBytes)
		}
		if !isPrefix {
			return line, nil
		}
	}
}
