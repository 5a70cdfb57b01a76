package shader

import (
	"encoding/binary"
	"fmt"
)

// Container layout (little endian):
//
//	magic     [4]byte  "DXBC"
//	digest    [16]byte
//	version   uint32   (dword 5)
//	size      uint32   (dword 6) total container size in bytes
//	partCount uint32   (dword 7)
//	offsets   [partCount]uint32
//	parts...  { fourcc [4]byte; size uint32; data [size]byte }

const (
	HeaderSize = 32
	Signature  = uint32(0x43425844) // 'DXBC'
)

type Part struct {
	FourCC [4]byte
	Data   []byte
}

func NewPart(fourcc string, data []byte) Part {
	var p Part
	copy(p.FourCC[:], fourcc)
	p.Data = data
	return p
}

func (p Part) Name() string { return string(p.FourCC[:]) }

type Container struct {
	Version uint32
	Parts   []Part
}

// Part returns the data of the first part tagged fourcc.
func (c *Container) Part(fourcc string) ([]byte, bool) {
	for _, p := range c.Parts {
		if p.Name() == fourcc {
			return p.Data, true
		}
	}
	return nil, false
}

// CheckHeader validates the fixed header only and returns the declared part count.
func CheckHeader(code []byte) (uint32, error) {
	if len(code) == 0 {
		return 0, ErrEmpty
	}
	if len(code) < HeaderSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrTooSmall, len(code))
	}
	if sig := binary.LittleEndian.Uint32(code[0:4]); sig != Signature {
		return 0, fmt.Errorf("%w: 0x%08X", ErrBadSignature, sig)
	}
	size := binary.LittleEndian.Uint32(code[24:28])
	if int(size) != len(code) {
		return 0, fmt.Errorf("%w: header=%d buf=%d", ErrSizeMismatch, size, len(code))
	}
	parts := binary.LittleEndian.Uint32(code[28:32])
	if parts == 0 {
		return 0, ErrNoParts
	}
	return parts, nil
}

// Parse validates the header and splits the container into its parts.
func Parse(code []byte) (*Container, error) {
	count, err := CheckHeader(code)
	if err != nil {
		return nil, err
	}
	tableEnd := uint64(HeaderSize) + uint64(count)*4
	if tableEnd > uint64(len(code)) {
		return nil, fmt.Errorf("%w: offset table needs %d bytes, have %d", ErrBadPartOffset, tableEnd, len(code))
	}

	c := &Container{
		Version: binary.LittleEndian.Uint32(code[20:24]),
		Parts:   make([]Part, 0, count),
	}
	for i := uint32(0); i < count; i++ {
		off := uint64(binary.LittleEndian.Uint32(code[HeaderSize+i*4:]))
		if off < tableEnd || off+8 > uint64(len(code)) {
			return nil, fmt.Errorf("%w: part %d at %d", ErrBadPartOffset, i, off)
		}
		var p Part
		copy(p.FourCC[:], code[off:off+4])
		size := uint64(binary.LittleEndian.Uint32(code[off+4 : off+8]))
		if off+8+size > uint64(len(code)) {
			return nil, fmt.Errorf("%w: part %d (%s) size %d overruns container", ErrBadPartOffset, i, p.Name(), size)
		}
		p.Data = code[off+8 : off+8+size]
		c.Parts = append(c.Parts, p)
	}
	return c, nil
}

// Pack serializes parts into a container. The digest is left zeroed.
func Pack(version uint32, parts ...Part) []byte {
	total := HeaderSize + 4*len(parts)
	for _, p := range parts {
		total += 8 + len(p.Data)
	}

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], Signature)
	binary.LittleEndian.PutUint32(buf[20:24], version)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(total))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(len(parts)))

	off := HeaderSize + 4*len(parts)
	for i, p := range parts {
		binary.LittleEndian.PutUint32(buf[HeaderSize+i*4:], uint32(off))
		copy(buf[off:off+4], p.FourCC[:])
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(len(p.Data)))
		copy(buf[off+8:], p.Data)
		off += 8 + len(p.Data)
	}
	return buf
}
