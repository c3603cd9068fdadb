package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/fleetagent/pkg/types"
)

// MessageType identifies the shape of a frame's JSON body.
type MessageType uint32

const (
	MessageNewJobRequest MessageType = iota + 1
	MessageCancelRequest
	MessageAgentShutdown
	MessageOperatingSystemShutdown
	MessageJobMetadataUpdate
	MessageJobCompleted
)

func (t MessageType) String() string {
	switch t {
	case MessageNewJobRequest:
		return "NewJobRequest"
	case MessageCancelRequest:
		return "CancelRequest"
	case MessageAgentShutdown:
		return "AgentShutdown"
	case MessageOperatingSystemShutdown:
		return "OperatingSystemShutdown"
	case MessageJobMetadataUpdate:
		return "JobMetadataUpdate"
	case MessageJobCompleted:
		return "JobCompleted"
	default:
		return fmt.Sprintf("MessageType(%d)", uint32(t))
	}
}

// frameHeaderSize is the 4-byte type + 4-byte length prefix.
const frameHeaderSize = 8

// maxBodySize guards against a corrupt or adversarial length prefix causing
// an unbounded allocation; no real job request or timeline payload
// approaches this size.
const maxBodySize = 64 << 20

// ErrMalformedFrame is returned (wrapped) for any frame whose header or
// body violates the wire contract. The channel must not be reused after
// this error; the caller should close it.
var ErrMalformedFrame = errors.New("ipc: malformed frame")

// CancelRequestBody is the payload of a CancelRequest frame.
type CancelRequestBody struct {
	JobID  string
	Reason string
}

// JobMetadataUpdateBody is the payload of a JobMetadataUpdate frame.
type JobMetadataUpdateBody struct {
	JobID     string
	Variables map[string]string
}

// JobCompletedBody is the payload of a JobCompleted frame, the Worker's
// terminal message before it exits.
type JobCompletedBody struct {
	JobID  string
	Result types.Result
}

// AgentShutdownBody is the payload of an AgentShutdown frame.
type AgentShutdownBody struct {
	Reason string
}

// OperatingSystemShutdownBody is the payload of an OperatingSystemShutdown
// frame; it carries no fields today but exists so the message type has a
// symmetric encode/decode path like every other message.
type OperatingSystemShutdownBody struct{}

// Channel frames messages over conn. It is safe for one concurrent writer
// and one concurrent reader (the usual duplex pattern for a single IPC
// connection); Send is additionally safe for concurrent callers since the
// write path is serialized under a mutex.
type Channel struct {
	conn io.ReadWriteCloser

	writeMu sync.Mutex
	readMu  sync.Mutex
}

// NewChannel wraps conn (a Unix domain socket connection in production,
// net.Pipe in tests) as a framed Channel.
func NewChannel(conn io.ReadWriteCloser) *Channel {
	return &Channel{conn: conn}
}

// duplexConn composes a read-side and a write-side connection into a single
// io.ReadWriteCloser, for the Listener/Worker pair's two platform-native
// pipes: one pipe for each direction so neither side blocks the other.
type duplexConn struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (d *duplexConn) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *duplexConn) Write(p []byte) (int, error) { return d.w.Write(p) }

func (d *duplexConn) Close() error {
	errR := d.r.Close()
	errW := d.w.Close()
	if errR != nil {
		return errR
	}
	return errW
}

// NewDuplexChannel wraps a pair of unidirectional connections (or a single
// connection used in both directions, for tests) as one framed Channel.
func NewDuplexChannel(r io.ReadCloser, w io.WriteCloser) *Channel {
	return NewChannel(&duplexConn{r: r, w: w})
}

// Send marshals body as JSON and writes one complete frame. The header and
// body are written in a single buffered call so a frame is never observed
// half-written by the peer.
func (c *Channel) Send(msgType MessageType, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("ipc: marshal %s body: %w", msgType, err)
	}

	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(msgType))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("ipc: write %s frame: %w", msgType, err)
	}
	return nil
}

// Receive blocks until a complete frame arrives, the peer closes the
// connection (io.EOF), or the connection errors. A short or oversized
// length prefix is reported as ErrMalformedFrame; the channel must then be
// closed rather than read from again.
func (c *Channel) Receive() (MessageType, []byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("%w: reading header: %v", ErrMalformedFrame, err)
	}

	msgType := MessageType(binary.LittleEndian.Uint32(header[0:4]))
	length := binary.LittleEndian.Uint32(header[4:8])
	if length > maxBodySize {
		return 0, nil, fmt.Errorf("%w: body length %d exceeds maximum", ErrMalformedFrame, length)
	}

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.conn, body); err != nil {
			return 0, nil, fmt.Errorf("%w: reading body: %v", ErrMalformedFrame, err)
		}
	}
	return msgType, body, nil
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// Decode unmarshals a received frame's body into a value of type T.
func Decode[T any](body []byte) (T, error) {
	var v T
	if len(body) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return v, fmt.Errorf("ipc: decode body: %w", err)
	}
	return v, nil
}
