package encore

// An alternative outlet that publishes samples to a NATS server instead of
// binding per-stream ZMQ sockets. All streams share one connection; each
// stream gets its own subject under a common prefix. The message body is the
// 20-byte sample header followed by the packed values, the same layout as
// the ZMQ outlet's last two frames.

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/nats-io/nats.go"

	"github.com/usnistgov/encore/internal/samplewire"
)

// NATSOutlet publishes one stream's samples on a subject of a shared NATS
// connection. Like the ZMQ outlet it belongs to a single worker goroutine.
type NATSOutlet struct {
	descriptor StreamDescriptor
	conn       *nats.Conn
	subject    string
	buf        []byte
}

// Push publishes one sample. NATS messages have a single body, so header
// and values travel concatenated; the subject carries the stream name.
func (o *NATSOutlet) Push(sample Sample, index int64, timestamp time.Time) error {
	o.buf = appendSampleHeader(o.buf[:0], o.descriptor.Format, o.descriptor.ChannelCount, index, timestamp)
	var err error
	o.buf, err = samplewire.AppendValues(o.buf, uint8(o.descriptor.Format), sample)
	if err != nil {
		return err
	}
	return o.conn.Publish(o.subject, o.buf)
}

// Close flushes anything buffered on the shared connection. The connection
// itself stays open: it belongs to the factory, and other streams may still
// be publishing on it.
func (o *NATSOutlet) Close() error {
	return o.conn.Flush()
}

// NATSOutletFactory builds NATSOutlet sinks over one shared connection.
type NATSOutletFactory struct {
	conn          *nats.Conn
	subjectPrefix string
}

// NewNATSOutletFactory connects to a NATS server (url may be empty for the
// default localhost server) and publishes streams under
// "<prefix>.<stream name>".
func NewNATSOutletFactory(url, subjectPrefix string) (*NATSOutletFactory, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("encore"))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to NATS at %s: %w", url, err)
	}
	return &NATSOutletFactory{conn: conn, subjectPrefix: subjectPrefix}, nil
}

// CreateSink returns an outlet publishing on the stream's subject.
// String-format streams have no fixed-size value encoding and are refused.
func (f *NATSOutletFactory) CreateSink(d StreamDescriptor) (OutletSink, error) {
	if d.Format == FormatString {
		return nil, &SinkCreationError{Stream: d.Name, Err: fmt.Errorf("string-format streams cannot be published")}
	}
	return &NATSOutlet{
		descriptor: d,
		conn:       f.conn,
		subject:    f.subjectPrefix + "." + subjectToken(d.Name),
	}, nil
}

// subjectToken turns a stream name into a single NATS subject token. NATS
// separates tokens with '.' and gives '*' and '>' wildcard meaning, and
// whitespace is not allowed at all, so all of those become '-'.
func subjectToken(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '.' || r == '*' || r == '>' || unicode.IsSpace(r) {
			return '-'
		}
		return r
	}, name)
}

// Close drains and closes the shared connection. Call it only after all
// workers using the factory's sinks have finished.
func (f *NATSOutletFactory) Close() {
	if f.conn != nil {
		f.conn.Drain()
		f.conn = nil
	}
}
