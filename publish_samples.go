package encore

// The outlet side of Encore: every stream publishes its samples on its own
// ZMQ PUB socket, one socket per stream the way LSL gives one outlet per
// stream. A sample message is 3 frames: the stream name (the subscription
// topic), a fixed 20-byte header, and the channel values packed in the
// stream's declared format.

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/lorenzosaino/go-sysctl"
	zmq "github.com/pebbe/zmq4"

	"github.com/usnistgov/encore/internal/samplewire"
)

// OutletSink is where a StreamWorker publishes its samples. Push is called
// from exactly one goroutine (the owning worker), so implementations need
// not support concurrent pushes. The worker closes the sink when it
// finishes.
type OutletSink interface {
	Push(sample Sample, index int64, timestamp time.Time) error
	Close() error
}

// SinkFactory builds one OutletSink per stream at session start.
type SinkFactory interface {
	CreateSink(d StreamDescriptor) (OutletSink, error)
}

// SinkCreationError means no outlet could be built for one stream. A session
// skips that stream and keeps the others.
type SinkCreationError struct {
	Stream string
	Err    error
}

func (e *SinkCreationError) Error() string {
	return fmt.Sprintf("cannot create outlet for stream %q: %s", e.Stream, e.Err)
}

func (e *SinkCreationError) Unwrap() error {
	return e.Err
}

// The sample header layout, little-endian:
//
//	byte  0      format code
//	byte  1      header version
//	bytes 2-3    channel count (uint16)
//	bytes 4-11   sample index (uint64)
//	bytes 12-19  timestamp, nanoseconds since the Unix epoch (int64)
const (
	sampleHeaderVersion = 1
	sampleHeaderLength  = 20
)

// SampleFrameHeader is the decoded fixed header of one published sample.
type SampleFrameHeader struct {
	Format       ChannelFormat
	Version      uint8
	ChannelCount int
	Index        int64
	Timestamp    time.Time
}

func appendSampleHeader(dst []byte, format ChannelFormat, nchan int, index int64, timestamp time.Time) []byte {
	dst = append(dst, uint8(format), sampleHeaderVersion)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(nchan))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(index))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(timestamp.UnixNano()))
	return dst
}

// EncodeSampleFrames returns the header and payload frames for one sample of
// the given stream.
func EncodeSampleFrames(d *StreamDescriptor, sample Sample, index int64, timestamp time.Time) (header, payload []byte, err error) {
	header = appendSampleHeader(make([]byte, 0, sampleHeaderLength), d.Format, d.ChannelCount, index, timestamp)
	payload, err = samplewire.AppendValues(make([]byte, 0, len(sample)*d.Format.ValueBytes()), uint8(d.Format), sample)
	return header, payload, err
}

// DecodeSampleFrames parses the header and payload frames of one published
// sample back into values. It is the inverse of EncodeSampleFrames and backs
// the encoredump tool and the tests.
func DecodeSampleFrames(header, payload []byte) (SampleFrameHeader, Sample, error) {
	var h SampleFrameHeader
	if len(header) != sampleHeaderLength {
		return h, nil, fmt.Errorf("sample header is %d bytes, want %d", len(header), sampleHeaderLength)
	}
	h.Format = ChannelFormat(header[0])
	h.Version = header[1]
	if h.Version != sampleHeaderVersion {
		return h, nil, fmt.Errorf("sample header version is %d, want %d", h.Version, sampleHeaderVersion)
	}
	h.ChannelCount = int(binary.LittleEndian.Uint16(header[2:]))
	h.Index = int64(binary.LittleEndian.Uint64(header[4:]))
	h.Timestamp = time.Unix(0, int64(binary.LittleEndian.Uint64(header[12:])))
	values, err := samplewire.ReadValues(payload, uint8(h.Format), h.ChannelCount)
	if err != nil {
		return h, nil, err
	}
	return h, Sample(values), nil
}

// outletSendHWM bounds how many unsent sample messages ZMQ queues per
// subscriber before it starts dropping.
const outletSendHWM = 10000

// ZMQOutlet publishes one stream's samples on its own PUB socket. ZMQ
// sockets are not thread safe; the outlet must be used only by the goroutine
// that owns it.
type ZMQOutlet struct {
	descriptor StreamDescriptor
	socket     *zmq.Socket
	endpoint   string
	topic      []byte
	buf        []byte
}

// NewZMQOutlet binds a PUB socket for one stream at the given endpoint, e.g.
// "tcp://*:5600". String-format streams have no fixed-size value encoding
// and are refused.
func NewZMQOutlet(d StreamDescriptor, endpoint string) (*ZMQOutlet, error) {
	if d.Format == FormatString {
		return nil, &SinkCreationError{Stream: d.Name, Err: fmt.Errorf("string-format streams cannot be published")}
	}
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, &SinkCreationError{Stream: d.Name, Err: err}
	}
	socket.SetSndhwm(outletSendHWM)
	socket.SetLinger(100 * time.Millisecond)
	if err := socket.Bind(endpoint); err != nil {
		socket.Close()
		return nil, &SinkCreationError{Stream: d.Name, Err: err}
	}
	return &ZMQOutlet{
		descriptor: d,
		socket:     socket,
		endpoint:   endpoint,
		topic:      []byte(d.Name),
	}, nil
}

// Endpoint returns the address the outlet's PUB socket is bound to.
func (z *ZMQOutlet) Endpoint() string {
	return z.endpoint
}

// Push publishes one sample as a 3-frame message: topic, header, payload.
func (z *ZMQOutlet) Push(sample Sample, index int64, timestamp time.Time) error {
	z.buf = appendSampleHeader(z.buf[:0], z.descriptor.Format, z.descriptor.ChannelCount, index, timestamp)
	headerLen := len(z.buf)
	var err error
	z.buf, err = samplewire.AppendValues(z.buf, uint8(z.descriptor.Format), sample)
	if err != nil {
		return err
	}
	if _, err := z.socket.SendBytes(z.topic, zmq.SNDMORE); err != nil {
		return err
	}
	if _, err := z.socket.SendBytes(z.buf[:headerLen], zmq.SNDMORE); err != nil {
		return err
	}
	_, err = z.socket.SendBytes(z.buf[headerLen:], 0)
	return err
}

// Close shuts the PUB socket; subscribers see the stream end.
func (z *ZMQOutlet) Close() error {
	return z.socket.Close()
}

// ZMQOutletFactory creates one ZMQOutlet per stream on consecutive TCP
// ports, counting up from BasePort in creation order.
type ZMQOutletFactory struct {
	BasePort int
	lock     sync.Mutex
	created  int
}

// NewZMQOutletFactory creates a factory whose first outlet binds basePort.
func NewZMQOutletFactory(basePort int) *ZMQOutletFactory {
	return &ZMQOutletFactory{BasePort: basePort}
}

// CreateSink binds the next port for the given stream. The port counter
// advances only on success, so a refused stream leaves no gap.
func (f *ZMQOutletFactory) CreateSink(d StreamDescriptor) (OutletSink, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	warnSmallSendBuffers(&d)
	endpoint := fmt.Sprintf("tcp://*:%d", f.BasePort+f.created)
	outlet, err := NewZMQOutlet(d, endpoint)
	if err != nil {
		return nil, err
	}
	f.created++
	return outlet, nil
}

// High-rate streams can overrun the kernel's default socket send buffers,
// which shows up as silently dropped messages rather than errors. Warn once
// per process when the buffer ceiling looks too small for a requested rate.
var sendBufferWarning sync.Once

func warnSmallSendBuffers(d *StreamDescriptor) {
	const wantBytes = 4 << 20
	bandwidth := d.NominalRate * float64(d.ChannelCount*d.Format.ValueBytes())
	if bandwidth < 1e6 {
		return
	}
	sendBufferWarning.Do(func() {
		val, err := sysctl.Get("net.core.wmem_max")
		if err != nil {
			return
		}
		if n, err := strconv.Atoi(val); err == nil && n < wantBytes {
			ProblemLogger.Printf("net.core.wmem_max is %d bytes; outlets this fast want at least %d (try sysctl -w net.core.wmem_max=%d)",
				n, wantBytes, wantBytes)
		}
	})
}
