package device

import (
	"encoding/binary"
	"fmt"
	"math"
)

// InstanceDescSize is the size of one top-level instance record:
//
//	transform      [12]float32  3x4 row-major
//	id_mask        uint32       InstanceID:24 | Mask:8
//	offset_flags   uint32       HitGroupOffset:24 | Flags:8
//	blas           uint64       GPU address of the bottom-level structure
const InstanceDescSize = 64

const (
	InstanceFlagTriangleCullDisable uint8 = 1 << iota
	InstanceFlagFrontCCW
	InstanceFlagForceOpaque
	InstanceFlagForceNonOpaque
)

type InstanceDesc struct {
	Transform      [12]float32
	InstanceID     uint32
	Mask           uint8
	HitGroupOffset uint32
	Flags          uint8
	BLAS           GPUAddress
}

func IdentityTransform() [12]float32 {
	return [12]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
	}
}

func (d *InstanceDesc) MarshalTo(buf []byte) error {
	if len(buf) < InstanceDescSize {
		return fmt.Errorf("%w: instance buffer %d bytes", ErrInvalidArgument, len(buf))
	}
	if d.InstanceID > 0xFFFFFF || d.HitGroupOffset > 0xFFFFFF {
		return fmt.Errorf("%w: instance id %d or hit group offset %d exceeds 24 bits", ErrInvalidArgument, d.InstanceID, d.HitGroupOffset)
	}
	for i, f := range d.Transform {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	binary.LittleEndian.PutUint32(buf[48:52], d.InstanceID|uint32(d.Mask)<<24)
	binary.LittleEndian.PutUint32(buf[52:56], d.HitGroupOffset|uint32(d.Flags)<<24)
	binary.LittleEndian.PutUint64(buf[56:64], uint64(d.BLAS))
	return nil
}

func UnmarshalInstanceDesc(buf []byte) (InstanceDesc, error) {
	var d InstanceDesc
	if len(buf) < InstanceDescSize {
		return d, fmt.Errorf("%w: instance record %d bytes", ErrInvalidArgument, len(buf))
	}
	for i := range d.Transform {
		d.Transform[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	idMask := binary.LittleEndian.Uint32(buf[48:52])
	offFlags := binary.LittleEndian.Uint32(buf[52:56])
	d.InstanceID = idMask & 0xFFFFFF
	d.Mask = uint8(idMask >> 24)
	d.HitGroupOffset = offFlags & 0xFFFFFF
	d.Flags = uint8(offFlags >> 24)
	d.BLAS = GPUAddress(binary.LittleEndian.Uint64(buf[56:64]))
	return d, nil
}

// MarshalInstances packs descs back to back.
func MarshalInstances(descs []InstanceDesc) ([]byte, error) {
	out := make([]byte, len(descs)*InstanceDescSize)
	for i := range descs {
		if err := descs[i].MarshalTo(out[i*InstanceDescSize:]); err != nil {
			return nil, fmt.Errorf("instance %d: %w", i, err)
		}
	}
	return out, nil
}

func UnmarshalInstances(buf []byte, count uint32) ([]InstanceDesc, error) {
	if uint64(len(buf)) < uint64(count)*InstanceDescSize {
		return nil, fmt.Errorf("%w: %d instances need %d bytes, have %d", ErrInvalidArgument, count, uint64(count)*InstanceDescSize, len(buf))
	}
	out := make([]InstanceDesc, count)
	for i := range out {
		d, err := UnmarshalInstanceDesc(buf[i*InstanceDescSize:])
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}
