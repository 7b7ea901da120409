// Package gpsd is a minimal client for the gpsd JSON protocol. The
// connection is dialed lazily and position reads degrade to "no fix"
// instead of surfacing transport errors to callers.
package gpsd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/piwardrive/piwardrive/internal/retry"
)

const (
	watchCommand = `?WATCH={"enable":true,"json":true}` + "\n"

	dialTimeout = 2 * time.Second
	readTimeout = 2 * time.Second

	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
)

// Fix is one position report (gpsd TPV class). Mode 2 is a 2D fix, mode 3
// is 3D; anything below 2 carries no usable position.
type Fix struct {
	Mode       int      `json:"mode"`
	Time       string   `json:"time,omitempty"`
	Lat        float64  `json:"lat"`
	Lon        float64  `json:"lon"`
	AltMeters  *float64 `json:"alt_m,omitempty"`
	SpeedMS    *float64 `json:"speed_m_s,omitempty"`
	HeadingDeg *float64 `json:"heading_deg,omitempty"`
}

type tpvMessage struct {
	Class string   `json:"class"`
	Mode  int      `json:"mode"`
	Time  string   `json:"time"`
	Lat   *float64 `json:"lat"`
	Lon   *float64 `json:"lon"`
	Alt   *float64 `json:"alt"`
	Speed *float64 `json:"speed"`
	Track *float64 `json:"track"`
}

// Client reads position fixes from a gpsd daemon.
type Client struct {
	addr string
	dial func(network, addr string, timeout time.Duration) (net.Conn, error)

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	failures  int
	nextRetry time.Time
}

// New creates a client for gpsd at host:port. No connection is made until
// the first fix is requested.
func New(host string, port int) *Client {
	return &Client{
		addr: net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		dial: net.DialTimeout,
	}
}

// CurrentFix returns the most recent position, or nil when gpsd is
// unreachable, the stream is malformed, or no fix is available. Reconnect
// attempts after a failure are spaced with capped exponential backoff.
func (c *Client) CurrentFix() *Fix {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if time.Now().Before(c.nextRetry) {
			return nil
		}
		if err := c.connectLocked(); err != nil {
			c.failLocked(err)
			return nil
		}
	}

	fix, err := c.readFixLocked()
	if err != nil {
		c.failLocked(err)
		return nil
	}
	c.failures = 0
	if fix.Mode < 2 {
		return nil
	}
	return fix
}

// Close drops the connection. The next fix request redials.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	c.failures = 0
	c.nextRetry = time.Time{}
}

func (c *Client) connectLocked() error {
	conn, err := c.dial("tcp", c.addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial gpsd: %w", err)
	}
	if _, err := conn.Write([]byte(watchCommand)); err != nil {
		conn.Close()
		return fmt.Errorf("send watch: %w", err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	log.Printf("[gpsd] connected to %s", c.addr)
	return nil
}

// readFixLocked scans the stream for the next TPV report, skipping VERSION,
// DEVICES, SKY and other classes.
func (c *Client) readFixLocked() (*Fix, error) {
	deadline := time.Now().Add(readTimeout)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	for time.Now().Before(deadline) {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("read gpsd stream: %w", err)
		}
		var msg tpvMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("malformed gpsd report: %w", err)
		}
		if msg.Class != "TPV" {
			continue
		}
		fix := &Fix{Mode: msg.Mode, Time: msg.Time}
		if msg.Lat != nil {
			fix.Lat = *msg.Lat
		}
		if msg.Lon != nil {
			fix.Lon = *msg.Lon
		}
		fix.AltMeters = msg.Alt
		fix.SpeedMS = msg.Speed
		fix.HeadingDeg = msg.Track
		return fix, nil
	}
	return nil, fmt.Errorf("no TPV report within %s", readTimeout)
}

func (c *Client) failLocked(err error) {
	c.closeLocked()
	c.failures++
	delay := retry.Backoff(c.failures, reconnectBase, reconnectCap, false)
	c.nextRetry = time.Now().Add(delay)
	log.Printf("[gpsd] %v (retry in %s)", err, delay.Round(time.Millisecond))
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
}
