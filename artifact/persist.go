package artifact

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"gonum.org/v1/gonum/mat"

	"github.com/laurenctang/MOFA2/pkg/errors"
)

// Artifact container layout, all little-endian:
//
//	[8]byte  magic "MOFA2GO1"
//	uint32   header length
//	[]byte   JSON header (fileHeader)
//	[]byte   payload: concatenated raw float64 sections
//
// Floats travel as raw IEEE-754 bits, so a persist/load round trip is
// bit-exact. The header carries a CRC-32C of the payload; any mismatch,
// truncation or schema drift loads as CorruptArtifactError.

var artifactMagic = [8]byte{'M', 'O', 'F', 'A', '2', 'G', 'O', '1'}

// FormatVersion is the artifact container version this build writes.
const FormatVersion = 1

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type fileSection struct {
	Name   string `json:"name"`
	Rows   int    `json:"rows"`
	Cols   int    `json:"cols"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

type fileMeta struct {
	ViewNames    []string    `json:"view_names"`
	GroupNames   []string    `json:"group_names"`
	FeatureNames [][]string  `json:"feature_names"`
	SampleNames  [][]string  `json:"sample_names"`
	NumFactors   int         `json:"num_factors"`
	Options      Options     `json:"options"`
	Diagnostics  Diagnostics `json:"diagnostics"`
}

type fileHeader struct {
	Version     int           `json:"version"`
	Meta        fileMeta      `json:"meta"`
	Sections    []fileSection `json:"sections"`
	PayloadSize int64         `json:"payload_size"`
	PayloadCRC  uint32        `json:"payload_crc32c"`
}

// Persist writes the model to path as a self-describing container. The
// write goes to a temporary file in the destination directory first and is
// renamed into place, so a crash mid-write never leaves a loadable partial
// artifact behind.
func (m *Model) Persist(path string) error {
	var payload bytes.Buffer
	var sections []fileSection

	appendSection := func(name string, rows, cols int, values []float64) {
		off := int64(payload.Len())
		buf := make([]byte, 8*len(values))
		for i, x := range values {
			binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(x))
		}
		payload.Write(buf)
		sections = append(sections, fileSection{
			Name: name, Rows: rows, Cols: cols, Offset: off, Length: int64(len(buf)),
		})
	}

	for g, name := range m.spec.GroupNames {
		r, k := m.spec.Factors[g].Dims()
		appendSection("factors/"+name, r, k, m.spec.Factors[g].RawMatrix().Data)
	}
	for v, name := range m.spec.ViewNames {
		d, k := m.spec.Weights[v].Dims()
		appendSection("weights/"+name, d, k, m.spec.Weights[v].RawMatrix().Data)
	}

	nG, nV := len(m.spec.GroupNames), len(m.spec.ViewNames)
	variance := make([]float64, 0, m.numFactors*nG*nV)
	for k := 0; k < m.numFactors; k++ {
		for g := 0; g < nG; g++ {
			variance = append(variance, m.spec.VarianceExplained[k][g]...)
		}
	}
	appendSection("variance_explained", m.numFactors, nG*nV, variance)

	totals := make([]float64, 0, nG*nV)
	for g := 0; g < nG; g++ {
		totals = append(totals, m.spec.TotalVariance[g]...)
	}
	appendSection("total_variance", nG, nV, totals)

	header := fileHeader{
		Version: FormatVersion,
		Meta: fileMeta{
			ViewNames:    m.spec.ViewNames,
			GroupNames:   m.spec.GroupNames,
			FeatureNames: m.spec.FeatureNames,
			SampleNames:  m.spec.SampleNames,
			NumFactors:   m.numFactors,
			Options:      m.spec.Options,
			Diagnostics:  m.spec.Diagnostics,
		},
		Sections:    sections,
		PayloadSize: int64(payload.Len()),
		PayloadCRC:  crc32.Checksum(payload.Bytes(), crcTable),
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "artifact: encoding header")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".mofa2-*.tmp")
	if err != nil {
		return errors.Wrap(err, "artifact: creating temporary file")
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err := writeContainer(tmp, headerBytes, payload.Bytes()); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "artifact: syncing temporary file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "artifact: closing temporary file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		tmpName = ""
		return errors.Wrap(err, "artifact: renaming into place")
	}
	tmpName = ""
	return nil
}

func writeContainer(w io.Writer, header, payload []byte) error {
	if _, err := w.Write(artifactMagic[:]); err != nil {
		return errors.Wrap(err, "artifact: writing magic")
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(header)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "artifact: writing header length")
	}
	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "artifact: writing header")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "artifact: writing payload")
	}
	return nil
}

// Load reads a persisted artifact and reconstructs an equivalent Model.
// The loaded instance is independent of the process that wrote it.
func Load(path string) (*Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "artifact: reading %q", path)
	}

	if len(raw) < len(artifactMagic)+4 {
		return nil, errors.NewCorruptArtifactError(path, "file shorter than container preamble")
	}
	if !bytes.Equal(raw[:len(artifactMagic)], artifactMagic[:]) {
		return nil, errors.NewCorruptArtifactError(path, "bad magic")
	}
	headerLen := int(binary.LittleEndian.Uint32(raw[len(artifactMagic):]))
	bodyStart := len(artifactMagic) + 4
	if headerLen <= 0 || bodyStart+headerLen > len(raw) {
		return nil, errors.NewCorruptArtifactError(path, "header length out of range")
	}

	var header fileHeader
	if err := json.Unmarshal(raw[bodyStart:bodyStart+headerLen], &header); err != nil {
		return nil, errors.NewCorruptArtifactError(path, "malformed header: "+err.Error())
	}
	if header.Version != FormatVersion {
		return nil, errors.NewCorruptArtifactError(path, "unsupported container version")
	}

	payload := raw[bodyStart+headerLen:]
	if int64(len(payload)) != header.PayloadSize {
		return nil, errors.NewCorruptArtifactError(path, "truncated payload")
	}
	if crc32.Checksum(payload, crcTable) != header.PayloadCRC {
		return nil, errors.NewCorruptArtifactError(path, "payload checksum mismatch")
	}

	readSection := func(s fileSection) ([]float64, error) {
		if s.Offset < 0 || s.Length < 0 || s.Offset+s.Length > int64(len(payload)) {
			return nil, errors.NewCorruptArtifactError(path, "section "+s.Name+" out of payload bounds")
		}
		if s.Length != int64(8*s.Rows*s.Cols) {
			return nil, errors.NewCorruptArtifactError(path, "section "+s.Name+" length disagrees with its shape")
		}
		buf := payload[s.Offset : s.Offset+s.Length]
		values := make([]float64, s.Rows*s.Cols)
		for i := range values {
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
		}
		return values, nil
	}

	byName := make(map[string]fileSection, len(header.Sections))
	for _, s := range header.Sections {
		byName[s.Name] = s
	}

	meta := header.Meta
	spec := Spec{
		ViewNames:    meta.ViewNames,
		GroupNames:   meta.GroupNames,
		FeatureNames: meta.FeatureNames,
		SampleNames:  meta.SampleNames,
		Options:      meta.Options,
		Diagnostics:  meta.Diagnostics,
	}

	for _, name := range meta.GroupNames {
		s, ok := byName["factors/"+name]
		if !ok {
			return nil, errors.NewCorruptArtifactError(path, "missing factor section for group "+name)
		}
		values, err := readSection(s)
		if err != nil {
			return nil, err
		}
		spec.Factors = append(spec.Factors, mat.NewDense(s.Rows, s.Cols, values))
	}
	for _, name := range meta.ViewNames {
		s, ok := byName["weights/"+name]
		if !ok {
			return nil, errors.NewCorruptArtifactError(path, "missing weight section for view "+name)
		}
		values, err := readSection(s)
		if err != nil {
			return nil, err
		}
		spec.Weights = append(spec.Weights, mat.NewDense(s.Rows, s.Cols, values))
	}

	nG, nV := len(meta.GroupNames), len(meta.ViewNames)
	vs, ok := byName["variance_explained"]
	if !ok || vs.Rows != meta.NumFactors || vs.Cols != nG*nV {
		return nil, errors.NewCorruptArtifactError(path, "missing or misshapen variance_explained section")
	}
	variance, err := readSection(vs)
	if err != nil {
		return nil, err
	}
	spec.VarianceExplained = make([][][]float64, meta.NumFactors)
	for k := 0; k < meta.NumFactors; k++ {
		spec.VarianceExplained[k] = make([][]float64, nG)
		for g := 0; g < nG; g++ {
			start := k*nG*nV + g*nV
			spec.VarianceExplained[k][g] = variance[start : start+nV : start+nV]
		}
	}

	ts, ok := byName["total_variance"]
	if !ok || ts.Rows != nG || ts.Cols != nV {
		return nil, errors.NewCorruptArtifactError(path, "missing or misshapen total_variance section")
	}
	totals, err := readSection(ts)
	if err != nil {
		return nil, err
	}
	spec.TotalVariance = make([][]float64, nG)
	for g := 0; g < nG; g++ {
		spec.TotalVariance[g] = totals[g*nV : (g+1)*nV : (g+1)*nV]
	}

	m, err := New(spec)
	if err != nil {
		return nil, errors.NewCorruptArtifactError(path, "inconsistent artifact: "+err.Error())
	}
	return m, nil
}
