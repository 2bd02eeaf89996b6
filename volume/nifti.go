package volume

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// The subset of the NIfTI-1 header this codec cares about. The full header is 348
// bytes; a data offset field says where the voxels start.
const (
	niftiHeaderSize = 348

	niftiOffDim      = 40  // int16[8], dim[0] is the rank
	niftiOffDatatype = 70  // int16
	niftiOffBitpix   = 72  // int16
	niftiOffPixdim   = 76  // float32[8]
	niftiOffVoxels   = 108 // float32 vox_offset
	niftiOffSclSlope = 112 // float32
	niftiOffSclInter = 116 // float32
	niftiOffMagic    = 344 // char[4], "n+1\0" or "ni1\0"
)

// NIfTI-1 datatype codes.
const (
	niftiTypeUint8   = 2
	niftiTypeInt16   = 4
	niftiTypeInt32   = 8
	niftiTypeFloat32 = 16
	niftiTypeFloat64 = 64
	niftiTypeInt8    = 256
	niftiTypeUint16  = 512
)

// ParseNIfTI reads a NIfTI-1 volume from a .nii or .nii.gz file.
func ParseNIfTI(fn string) (*Volume, error) {
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
	return ReadNIfTI(bufio.NewReader(r))
}

// ReadNIfTI reads a NIfTI-1 volume from a stream. Both byte orders are handled; 2D
// images come back as single plane volumes.
func ReadNIfTI(r io.Reader) (*Volume, error) {
	header := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "short nifti header")
	}

	// sizeof_hdr doubles as an endianness probe.
	var order binary.ByteOrder = binary.LittleEndian
	if order.Uint32(header[0:4]) != niftiHeaderSize {
		order = binary.BigEndian
		if order.Uint32(header[0:4]) != niftiHeaderSize {
			return nil, errors.New("not a nifti-1 file: bad header size")
		}
	}
	magic := string(header[niftiOffMagic : niftiOffMagic+3])
	if magic != "n+1" && magic != "ni1" {
		return nil, errors.Errorf("not a nifti-1 file: bad magic %q", magic)
	}

	rank := int(int16(order.Uint16(header[niftiOffDim : niftiOffDim+2])))
	if rank < 2 || rank > 7 {
		return nil, errors.Errorf("bad nifti rank %d", rank)
	}
	dim := make([]int, 8)
	for i := 1; i < 8; i++ {
		dim[i] = int(int16(order.Uint16(header[niftiOffDim+2*i : niftiOffDim+2*i+2])))
		if dim[i] == 0 {
			dim[i] = 1
		}
	}
	for i := 4; i < 8; i++ {
		if dim[i] > 1 {
			return nil, errors.Errorf("nifti volumes with a populated dim[%d] are not supported", i)
		}
	}
	// dim[1] varies fastest in the file, so it is the width.
	dims := [3]int{dim[3], dim[2], dim[1]}
	if err := checkDims(dims); err != nil {
		return nil, err
	}

	pixdim := func(i int) float64 {
		bits := order.Uint32(header[niftiOffPixdim+4*i : niftiOffPixdim+4*i+4])
		return float64(math.Float32frombits(bits))
	}
	spacing := [3]float64{pixdim(3), pixdim(2), pixdim(1)}

	datatype := int(int16(order.Uint16(header[niftiOffDatatype : niftiOffDatatype+2])))
	voxOffset := math.Float32frombits(order.Uint32(header[niftiOffVoxels : niftiOffVoxels+4]))
	sclSlope := math.Float32frombits(order.Uint32(header[niftiOffSclSlope : niftiOffSclSlope+4]))
	sclInter := math.Float32frombits(order.Uint32(header[niftiOffSclInter : niftiOffSclInter+4]))

	if voxOffset < niftiHeaderSize {
		voxOffset = niftiHeaderSize
	}
	if skip := int64(voxOffset) - niftiHeaderSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, errors.Wrap(err, "short nifti header extension")
		}
	}

	vol, err := NewVolume(dims, spacing)
	if err != nil {
		return nil, err
	}
	if err := readNIfTIVoxels(r, order, datatype, vol.data); err != nil {
		return nil, err
	}

	// A zero slope means no scaling is in play.
	if sclSlope != 0 && (sclSlope != 1 || sclInter != 0) {
		for i, v := range vol.data {
			vol.data[i] = sclSlope*v + sclInter
		}
	}
	return vol, nil
}

func readNIfTIVoxels(r io.Reader, order binary.ByteOrder, datatype int, out []float32) error {
	bytesPer := map[int]int{
		niftiTypeUint8:   1,
		niftiTypeInt8:    1,
		niftiTypeInt16:   2,
		niftiTypeUint16:  2,
		niftiTypeInt32:   4,
		niftiTypeFloat32: 4,
		niftiTypeFloat64: 8,
	}[datatype]
	if bytesPer == 0 {
		return errors.Errorf("nifti datatype %d is not supported", datatype)
	}

	raw := make([]byte, len(out)*bytesPer)
	if _, err := io.ReadFull(r, raw); err != nil {
		return errors.Wrap(err, "short nifti voxel data")
	}

	switch datatype {
	case niftiTypeUint8:
		for i := range out {
			out[i] = float32(raw[i])
		}
	case niftiTypeInt8:
		for i := range out {
			out[i] = float32(int8(raw[i]))
		}
	case niftiTypeInt16:
		for i := range out {
			out[i] = float32(int16(order.Uint16(raw[2*i : 2*i+2])))
		}
	case niftiTypeUint16:
		for i := range out {
			out[i] = float32(order.Uint16(raw[2*i : 2*i+2]))
		}
	case niftiTypeInt32:
		for i := range out {
			out[i] = float32(int32(order.Uint32(raw[4*i : 4*i+4])))
		}
	case niftiTypeFloat32:
		for i := range out {
			out[i] = math.Float32frombits(order.Uint32(raw[4*i : 4*i+4]))
		}
	case niftiTypeFloat64:
		for i := range out {
			out[i] = float32(math.Float64frombits(order.Uint64(raw[8*i : 8*i+8])))
		}
	}
	return nil
}

// WriteNIfTIToFile writes the volume as float32 NIfTI-1, gzipped when the path ends
// in .gz.
func WriteNIfTIToFile(fn string, v *Volume) error {
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
	if err := WriteNIfTI(buf, v); err != nil {
		return err
	}
	return buf.Flush()
}

// WriteNIfTI writes the volume as little-endian float32 NIfTI-1 with voxels starting
// at byte 352.
func WriteNIfTI(w io.Writer, v *Volume) error {
	order := binary.LittleEndian
	header := make([]byte, niftiHeaderSize)

	order.PutUint32(header[0:4], niftiHeaderSize)
	dims := v.Dims()
	order.PutUint16(header[niftiOffDim:niftiOffDim+2], 3)
	order.PutUint16(header[niftiOffDim+2:niftiOffDim+4], uint16(dims[2]))
	order.PutUint16(header[niftiOffDim+4:niftiOffDim+6], uint16(dims[1]))
	order.PutUint16(header[niftiOffDim+6:niftiOffDim+8], uint16(dims[0]))
	for i := 4; i < 8; i++ {
		order.PutUint16(header[niftiOffDim+2*i:niftiOffDim+2*i+2], 1)
	}

	order.PutUint16(header[niftiOffDatatype:niftiOffDatatype+2], niftiTypeFloat32)
	order.PutUint16(header[niftiOffBitpix:niftiOffBitpix+2], 32)

	spacing := v.Spacing()
	order.PutUint32(header[niftiOffPixdim:niftiOffPixdim+4], math.Float32bits(1))
	order.PutUint32(header[niftiOffPixdim+4:niftiOffPixdim+8], math.Float32bits(float32(spacing[2])))
	order.PutUint32(header[niftiOffPixdim+8:niftiOffPixdim+12], math.Float32bits(float32(spacing[1])))
	order.PutUint32(header[niftiOffPixdim+12:niftiOffPixdim+16], math.Float32bits(float32(spacing[0])))

	const voxOffset = 352
	order.PutUint32(header[niftiOffVoxels:niftiOffVoxels+4], math.Float32bits(voxOffset))
	order.PutUint32(header[niftiOffSclSlope:niftiOffSclSlope+4], math.Float32bits(1))
	order.PutUint32(header[niftiOffSclInter:niftiOffSclInter+4], math.Float32bits(0))
	copy(header[niftiOffMagic:niftiOffMagic+4], "n+1\x00")

	if _, err := w.Write(header); err != nil {
		return err
	}
	// Pad out to the voxel offset.
	if _, err := w.Write(make([]byte, voxOffset-niftiHeaderSize)); err != nil {
		return err
	}

	raw := make([]byte, 4*len(v.data))
	for i, val := range v.data {
		order.PutUint32(raw[4*i:4*i+4], math.Float32bits(val))
	}
	_, err := w.Write(raw)
	return err
}
