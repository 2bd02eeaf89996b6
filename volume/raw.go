package volume

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strings"
)

// ParseRaw reads a headerless little-endian float32 volume. The dims cannot be
// recovered from the file, so the caller supplies them.
func ParseRaw(fn string, dims [3]int) (*Volume, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(fn, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	return ReadRaw(bufio.NewReader(r), dims)
}

// ReadRaw reads little-endian float32 voxels for the given dims from a stream.
func ReadRaw(r io.Reader, dims [3]int) (*Volume, error) {
	vol, err := NewVolume(dims, [3]float64{1, 1, 1})
	if err != nil {
		return nil, err
	}
	raw := make([]byte, 4*vol.NumVoxels())
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	for i := range vol.data {
		vol.data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i : 4*i+4]))
	}
	return vol, nil
}

// WriteRawToFile writes the voxels as little-endian float32, gzipped when the path
// ends in .gz.
func WriteRawToFile(fn string, v *Volume) error {
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer f.Close()

	var w io.Writer = f
	if strings.HasSuffix(fn, ".gz") {
		gz := gzip.NewWriter(w)
		defer gz.Close()
		w = gz
	}
	buf := bufio.NewWriter(w)
	raw := make([]byte, 4*len(v.data))
	for i, val := range v.data {
		binary.LittleEndian.PutUint32(raw[4*i:4*i+4], math.Float32bits(val))
	}
	if _, err := buf.Write(raw); err != nil {
		return err
	}
	return buf.Flush()
}
