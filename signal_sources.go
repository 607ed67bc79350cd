package encore

import (
	"io"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// SignalSource supplies the samples that a StreamWorker emits. NextSample
// returns io.EOF once a finite source has no more samples; any other error
// is an unrecoverable source fault that fails the stream.
type SignalSource interface {
	NextSample() (Sample, error)
}

// RecordedSource replays the rows of a recorded data matrix in order, then
// reports io.EOF. Rows are samples, columns are channels.
type RecordedSource struct {
	data    *mat.Dense
	nextRow int
}

// NewRecordedSource wraps a recorded matrix (rows = samples) as a SignalSource.
func NewRecordedSource(data *mat.Dense) *RecordedSource {
	return &RecordedSource{data: data}
}

// NextSample returns a copy of the next recorded row, so callers may hold
// samples without pinning the backing matrix.
func (rs *RecordedSource) NextSample() (Sample, error) {
	nrows, _ := rs.data.Dims()
	if rs.nextRow >= nrows {
		return nil, io.EOF
	}
	row := mat.Row(nil, rs.nextRow, rs.data)
	rs.nextRow++
	return Sample(row), nil
}

// Remaining returns how many samples the source has not yet supplied.
func (rs *RecordedSource) Remaining() int {
	nrows, _ := rs.data.Dims()
	return nrows - rs.nextRow
}

// SyntheticSource generates unlimited uniform noise sized for one stream.
// The amplitude range tracks the declared channel format, so an int8 stream
// stays within int8 values. Equal seeds give equal sequences.
type SyntheticSource struct {
	nchan int
	dist  distuv.Uniform
}

// NewSyntheticSource creates a noise source for nchan channels of the given
// format. A zero seed draws the seed from the clock.
func NewSyntheticSource(nchan int, format ChannelFormat, seed uint64) *SyntheticSource {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	lo, hi := format.syntheticRange()
	return &SyntheticSource{
		nchan: nchan,
		dist: distuv.Uniform{
			Min: lo,
			Max: hi,
			Src: rand.NewPCG(seed, seed),
		},
	}
}

// NextSample always succeeds; the source never ends.
func (ss *SyntheticSource) NextSample() (Sample, error) {
	s := make(Sample, ss.nchan)
	for i := range s {
		s[i] = ss.dist.Rand()
	}
	return s, nil
}

// syntheticRange gives the noise amplitude for simulated streams of each
// format: modest physical-looking values for floats, in-range values for the
// integer formats.
func (f ChannelFormat) syntheticRange() (lo, hi float64) {
	switch f {
	case FormatInt8:
		return -127, 127
	case FormatInt16:
		return -32767, 32767
	case FormatInt32, FormatInt64:
		return -100000, 100000
	}
	return -1.5, 1.5
}

// SyntheticSourceConfig holds the arguments needed to configure a synthetic
// stream by RPC, and to persist that configuration between runs.
type SyntheticSourceConfig struct {
	Name       string
	Nchan      int
	SampleRate float64
	Format     string
	Seed       uint64
}

// Descriptor converts the config into a validated StreamDescriptor. An empty
// Name becomes "synthetic" and an empty Format becomes float32.
func (c *SyntheticSourceConfig) Descriptor() (StreamDescriptor, error) {
	name := c.Name
	if name == "" {
		name = "synthetic"
	}
	format := FormatFloat32
	if c.Format != "" {
		var err error
		if format, err = ParseChannelFormat(c.Format); err != nil {
			return StreamDescriptor{}, err
		}
	}
	d := StreamDescriptor{
		Name:         name,
		Type:         "Simulation",
		ChannelCount: c.Nchan,
		NominalRate:  c.SampleRate,
		Format:       format,
	}
	if err := d.Validate(); err != nil {
		return StreamDescriptor{}, err
	}
	return d, nil
}

// Source builds the SignalSource described by the config.
func (c *SyntheticSourceConfig) Source() *SyntheticSource {
	d, err := c.Descriptor()
	if err != nil {
		return nil
	}
	return NewSyntheticSource(d.ChannelCount, d.Format, c.Seed)
}
