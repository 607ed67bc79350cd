package encore

// Loading of recorded sessions. A recording is a directory holding a
// manifest.yaml that names the streams and one NPY file per stream with the
// data matrix. The matrices are float64 on disk regardless of the format
// the stream declares for the wire.

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

const recordingManifestVersion = 1

// recordingManifest mirrors the manifest.yaml at the top of a recording
// directory.
type recordingManifest struct {
	Version int              `yaml:"version"`
	Streams []manifestStream `yaml:"streams"`
}

type manifestStream struct {
	Name         string        `yaml:"name"`
	Type         string        `yaml:"type,omitempty"`
	ChannelCount int           `yaml:"channel_count"`
	NominalRate  float64       `yaml:"nominal_rate"`
	Format       string        `yaml:"format,omitempty"`
	Data         string        `yaml:"data"`
	Channels     []ChannelMeta `yaml:"channels,omitempty"`
}

// descriptor converts one manifest entry into a validated StreamDescriptor.
// An empty format means float32, the most common recorded format; a missing
// channel count is taken from the data's column count.
func (ms *manifestStream) descriptor(data *mat.Dense) (StreamDescriptor, error) {
	format := FormatFloat32
	if ms.Format != "" {
		var err error
		if format, err = ParseChannelFormat(ms.Format); err != nil {
			return StreamDescriptor{}, err
		}
	}
	nchan := ms.ChannelCount
	if nchan == 0 {
		_, nchan = data.Dims()
	}
	d := StreamDescriptor{
		Name:         ms.Name,
		Type:         ms.Type,
		ChannelCount: nchan,
		NominalRate:  ms.NominalRate,
		Format:       format,
		Channels:     ms.Channels,
	}
	if err := d.Validate(); err != nil {
		return StreamDescriptor{}, err
	}
	return d, nil
}

// RecordedStream pairs one stream's descriptor with its replayable data,
// rows = samples and columns = channels.
type RecordedStream struct {
	Descriptor StreamDescriptor
	Data       *mat.Dense
}

// Recording holds everything loaded from one recording directory.
type Recording struct {
	Dir     string
	Streams []RecordedStream
}

// LoadRecording reads a recording directory: manifest.yaml plus the NPY data
// file of every stream the manifest names.
func LoadRecording(dir string) (*Recording, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.yaml"))
	if err != nil {
		return nil, fmt.Errorf("cannot read recording manifest: %w", err)
	}
	var manifest recordingManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("cannot parse recording manifest: %w", err)
	}
	if manifest.Version > recordingManifestVersion {
		return nil, fmt.Errorf("recording manifest version %d is newer than this program understands (version %d)",
			manifest.Version, recordingManifestVersion)
	}
	if len(manifest.Streams) == 0 {
		return nil, fmt.Errorf("recording manifest in %s names no streams", dir)
	}

	rec := &Recording{Dir: dir}
	seen := make(map[string]bool)
	for i, ms := range manifest.Streams {
		if seen[ms.Name] {
			return nil, fmt.Errorf("recording manifest names stream %q twice", ms.Name)
		}
		seen[ms.Name] = true
		if ms.Data == "" {
			return nil, &InvalidDescriptorError{Stream: ms.Name, Problem: "no data file named in manifest"}
		}
		data, err := loadRecordedMatrix(filepath.Join(dir, ms.Data), ms.ChannelCount)
		if err != nil {
			return nil, fmt.Errorf("stream %q: %w", ms.Name, err)
		}
		d, err := ms.descriptor(data)
		if err != nil {
			return nil, fmt.Errorf("stream %d in manifest: %w", i, err)
		}
		rec.Streams = append(rec.Streams, RecordedStream{Descriptor: d, Data: data})
	}
	return rec, nil
}

// loadRecordedMatrix reads one NPY file into a samples-by-channels matrix.
// Only float64 data (numpy dtype <f8) is accepted; 1-D files serve
// single-channel streams, and 2-D files may be stored either way around.
// With nchan 0 (manifest omits channel_count) the file's own shape is taken
// at face value, rows as samples.
func loadRecordedMatrix(path string, nchan int) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s is not a valid NPY file: %w", path, err)
	}
	if dt := r.Header.Descr.Type; dt != "<f8" && dt != "f8" && dt != ">f8" {
		return nil, fmt.Errorf("%s holds dtype %q; recordings must be float64 (dtype <f8)", path, dt)
	}
	shape := r.Header.Descr.Shape
	var nrows, ncols int
	switch len(shape) {
	case 1:
		nrows, ncols = shape[0], 1
	case 2:
		nrows, ncols = shape[0], shape[1]
	default:
		return nil, fmt.Errorf("%s holds %d-dimensional data; recordings are 1- or 2-dimensional", path, len(shape))
	}

	raw := make([]float64, nrows*ncols)
	if err := r.Read(&raw); err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var m *mat.Dense
	if r.Header.Descr.Fortran && len(shape) == 2 {
		// Column-major file: the flat data is the row-major layout of the
		// transposed matrix.
		var t mat.Dense
		t.CloneFrom(mat.NewDense(ncols, nrows, raw).T())
		m = &t
	} else {
		m = mat.NewDense(nrows, ncols, raw)
	}

	if nchan == 0 {
		return m, nil
	}
	// A matrix whose row count (but not column count) matches the declared
	// channel count is stored channels-by-samples; flip it.
	r0, c0 := m.Dims()
	if c0 != nchan && r0 == nchan {
		var t mat.Dense
		t.CloneFrom(m.T())
		m = &t
	}
	if _, c := m.Dims(); c != nchan {
		return nil, fmt.Errorf("%s holds %dx%d values, which cannot serve %d channels", path, r0, c0, nchan)
	}
	return m, nil
}

// Assignments builds one StreamAssignment per recorded stream, creating each
// stream's sink with the factory. Streams whose sink cannot be created are
// skipped; their errors come back alongside the usable assignments so the
// caller can report them and start the rest.
func (r *Recording) Assignments(factory SinkFactory) ([]StreamAssignment, []error) {
	var assignments []StreamAssignment
	var failures []error
	for _, s := range r.Streams {
		sink, err := factory.CreateSink(s.Descriptor)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		assignments = append(assignments, StreamAssignment{
			Descriptor: s.Descriptor,
			Source:     NewRecordedSource(s.Data),
			Sink:       sink,
		})
	}
	return assignments, failures
}

// Multiply returns a recording holding count copies of every stream, for
// exercising many outlets from one file set. The first copy keeps the
// original name; later copies append "-2", "-3", and so on. All copies share
// the backing data matrices.
func (r *Recording) Multiply(count int) (*Recording, error) {
	if count < 1 {
		return nil, fmt.Errorf("stream multiplier is %d, want at least 1", count)
	}
	out := &Recording{Dir: r.Dir}
	for dup := 1; dup <= count; dup++ {
		for _, s := range r.Streams {
			d := s.Descriptor
			if dup > 1 {
				d.Name = fmt.Sprintf("%s-%d", d.Name, dup)
			}
			out.Streams = append(out.Streams, RecordedStream{Descriptor: d, Data: s.Data})
		}
	}
	return out, nil
}

// Select returns a recording holding only the named streams, in recording
// order. Asking for a stream the recording does not have is an error.
func (r *Recording) Select(names ...string) (*Recording, error) {
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	out := &Recording{Dir: r.Dir}
	for _, s := range r.Streams {
		if wanted[s.Descriptor.Name] {
			out.Streams = append(out.Streams, s)
			delete(wanted, s.Descriptor.Name)
		}
	}
	for _, name := range names {
		if wanted[name] {
			return nil, fmt.Errorf("recording has no stream named %q", name)
		}
	}
	return out, nil
}

// Duration returns the wall-clock span of the longest stream when replayed
// at its nominal rate. Irregular-rate streams contribute nothing.
func (r *Recording) Duration() time.Duration {
	var longest time.Duration
	for _, s := range r.Streams {
		if s.Descriptor.NominalRate <= 0 {
			continue
		}
		n, _ := s.Data.Dims()
		d := time.Duration(float64(n) / s.Descriptor.NominalRate * float64(time.Second))
		if d > longest {
			longest = d
		}
	}
	return longest
}
