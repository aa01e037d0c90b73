package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"
	"net"
	"sync"
	"time"
)

// lengthPrefixSize is the fixed width of the frame header: an 8-byte
// big-endian unsigned length.
const lengthPrefixSize = 8

// DefaultReadTimeout is the read timeout applied when none has been set
// explicitly.
const DefaultReadTimeout = 10 * time.Second

// Channel is the framed message channel. It is the sole primitive every
// higher layer (coordinator, participant, daemon) uses to talk to a peer
// transaction manager or a client. A Channel is owned by whoever opened it;
// Close is idempotent and safe to call from either the reader or a
// concurrent writer.
type Channel struct {
	conn        net.Conn
	readTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewChannel wraps an already-established connection (accepted or dialed).
func NewChannel(conn net.Conn) *Channel {
	return &Channel{conn: conn, readTimeout: DefaultReadTimeout}
}

// Dial opens a new channel to addr.
func Dial(addr string) (*Channel, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewChannel(conn), nil
}

// SetReadTimeout overrides the per-operation read timeout used by ReadMessage.
func (c *Channel) SetReadTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimeout = d
}

// RemoteAddr reports the address of the peer, for logging.
func (c *Channel) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// ReadMessage reads one framed message, honoring the configured read
// timeout. On any I/O failure, EOF mid-frame, or deserialization error it
// returns nil AND closes the underlying socket, so that subsequent sends on
// the same channel fail.
func (c *Channel) ReadMessage() *Message {
	c.mu.Lock()
	conn := c.conn
	timeout := c.readTimeout
	closed := c.closed
	c.mu.Unlock()

	if closed || conn == nil {
		return nil
	}

	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}

	header := make([]byte, lengthPrefixSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		c.Close()
		return nil
	}

	length := binary.BigEndian.Uint64(header)
	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		c.Close()
		return nil
	}

	var msg Message
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&msg); err != nil {
		c.Close()
		return nil
	}
	return &msg
}

// SendMessage serializes msg and writes it as a single frame. Sends wrap the
// whole payload in one logical write, retrying a partial send until the
// frame is fully on the wire.
func (c *Channel) SendMessage(msg Message) bool {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(msg); err != nil {
		c.Close()
		return false
	}

	header := make([]byte, lengthPrefixSize)
	binary.BigEndian.PutUint64(header, uint64(body.Len()))

	frame := append(header, body.Bytes()...)
	if err := c.writeFull(frame); err != nil {
		c.Close()
		return false
	}
	return true
}

// SendOp sends a bare opcode with no arguments.
func (c *Channel) SendOp(code Code) bool {
	return c.SendMessage(Op(code))
}

// SendResponse sends a bare response code with no arguments.
func (c *Channel) SendResponse(code Code) bool {
	return c.SendMessage(Response(code))
}

func (c *Channel) writeFull(b []byte) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()

	if closed || conn == nil {
		return io.ErrClosedPipe
	}

	for len(b) > 0 {
		n, err := conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// Close releases the underlying socket. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.conn == nil {
		c.closed = true
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
