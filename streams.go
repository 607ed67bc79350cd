package encore

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/usnistgov/encore/internal/samplewire"
)

// Sample holds one multi-channel observation: one float64 per channel,
// whatever format the stream declares for the wire.
type Sample []float64

// ChannelFormat identifies the numeric type a stream declares for its
// channel values. The codes match LSL's channel_format_t, so recordings made
// by LSL tooling keep their meaning.
type ChannelFormat int

// The channel formats a stream may declare. String-format streams are valid
// descriptors but no outlet can publish them.
const (
	FormatFloat32  ChannelFormat = samplewire.CodeFloat32
	FormatDouble64 ChannelFormat = samplewire.CodeDouble64
	FormatString   ChannelFormat = samplewire.CodeString
	FormatInt32    ChannelFormat = samplewire.CodeInt32
	FormatInt16    ChannelFormat = samplewire.CodeInt16
	FormatInt8     ChannelFormat = samplewire.CodeInt8
	FormatInt64    ChannelFormat = samplewire.CodeInt64
)

// ParseChannelFormat converts a name like "float32" or "cf_int16" into a
// ChannelFormat. The optional "cf_" prefix matches LSL's C enum names.
func ParseChannelFormat(s string) (ChannelFormat, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "cf_") {
	case "float32":
		return FormatFloat32, nil
	case "double64", "float64":
		return FormatDouble64, nil
	case "string":
		return FormatString, nil
	case "int32":
		return FormatInt32, nil
	case "int16":
		return FormatInt16, nil
	case "int8":
		return FormatInt8, nil
	case "int64":
		return FormatInt64, nil
	}
	return 0, fmt.Errorf("unknown channel format %q", s)
}

func (f ChannelFormat) String() string {
	switch f {
	case FormatFloat32:
		return "float32"
	case FormatDouble64:
		return "double64"
	case FormatString:
		return "string"
	case FormatInt32:
		return "int32"
	case FormatInt16:
		return "int16"
	case FormatInt8:
		return "int8"
	case FormatInt64:
		return "int64"
	}
	return fmt.Sprintf("ChannelFormat(%d)", int(f))
}

// ValueBytes returns the wire size of one value in this format, or 0 for
// formats with no fixed-size encoding (string).
func (f ChannelFormat) ValueBytes() int {
	return samplewire.ValueBytes(uint8(f))
}

func (f ChannelFormat) valid() bool {
	return f >= FormatFloat32 && f <= FormatInt64
}

// ChannelMeta describes one channel of a stream: a human-readable label, the
// physical unit, and the content type (e.g. "EEG", "Accel").
type ChannelMeta struct {
	Label string `json:"label" yaml:"label"`
	Unit  string `json:"unit,omitempty" yaml:"unit,omitempty"`
	Type  string `json:"type,omitempty" yaml:"type,omitempty"`
}

// StreamDescriptor is the full static description of one stream: identity,
// channel geometry, nominal sample rate, and declared value format. A
// NominalRate of 0 marks an irregular-rate stream, whose samples are emitted
// as fast as the source supplies them.
type StreamDescriptor struct {
	Name         string
	Type         string
	ChannelCount int
	NominalRate  float64
	Format       ChannelFormat
	Channels     []ChannelMeta
}

// maxNominalRate is a sanity ceiling on declared rates; no lab recording
// legitimately claims more than 1 MHz per channel.
const maxNominalRate = 1e6

// InvalidDescriptorError describes a StreamDescriptor that failed validation.
// Validation happens when workers are built; a running worker never sees one.
type InvalidDescriptorError struct {
	Stream  string
	Problem string
}

func (e *InvalidDescriptorError) Error() string {
	return fmt.Sprintf("invalid stream descriptor %q: %s", e.Stream, e.Problem)
}

// Validate checks everything about a descriptor that can be known before any
// sample flows, and returns an *InvalidDescriptorError naming the first
// problem found.
func (d *StreamDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return &InvalidDescriptorError{Stream: d.Name, Problem: "stream name is blank"}
	}
	if d.ChannelCount < 1 {
		return &InvalidDescriptorError{Stream: d.Name,
			Problem: fmt.Sprintf("channel count is %d, want at least 1", d.ChannelCount)}
	}
	if math.IsNaN(d.NominalRate) || math.IsInf(d.NominalRate, 0) {
		return &InvalidDescriptorError{Stream: d.Name, Problem: "nominal rate is not a finite number"}
	}
	if d.NominalRate < 0 {
		return &InvalidDescriptorError{Stream: d.Name,
			Problem: fmt.Sprintf("nominal rate is %g, want 0 (irregular) or positive", d.NominalRate)}
	}
	if d.NominalRate > maxNominalRate {
		return &InvalidDescriptorError{Stream: d.Name,
			Problem: fmt.Sprintf("nominal rate %g exceeds %g samples/s", d.NominalRate, float64(maxNominalRate))}
	}
	if !d.Format.valid() {
		return &InvalidDescriptorError{Stream: d.Name,
			Problem: fmt.Sprintf("unknown channel format code %d", int(d.Format))}
	}
	if len(d.Channels) != 0 && len(d.Channels) != d.ChannelCount {
		return &InvalidDescriptorError{Stream: d.Name,
			Problem: fmt.Sprintf("%d channel metadata entries for %d channels", len(d.Channels), d.ChannelCount)}
	}
	return nil
}

// Irregular reports whether this stream declares no fixed sample rate.
func (d *StreamDescriptor) Irregular() bool {
	return d.NominalRate == 0
}

// SamplePeriod returns the ideal time between successive samples, or 0 for
// irregular-rate streams.
func (d *StreamDescriptor) SamplePeriod() time.Duration {
	if d.NominalRate == 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / d.NominalRate)
}

// ChannelLabels returns one label per channel, inventing "Ch1".."ChN"
// placeholders where the descriptor carries no metadata.
func (d *StreamDescriptor) ChannelLabels() []string {
	labels := make([]string, d.ChannelCount)
	for i := range labels {
		if i < len(d.Channels) && d.Channels[i].Label != "" {
			labels[i] = d.Channels[i].Label
		} else {
			labels[i] = fmt.Sprintf("Ch%d", i+1)
		}
	}
	return labels
}
