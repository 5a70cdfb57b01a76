package shader

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackParseRoundTrip(t *testing.T) {
	code := Pack(1, NewPart("WGSL", []byte("fn main() {}")), NewPart("STAT", []byte{1, 2, 3}))

	c, err := Parse(code)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), c.Version)
	require.Len(t, c.Parts, 2)

	src, ok := c.Part("WGSL")
	require.True(t, ok)
	assert.Equal(t, "fn main() {}", string(src))
	_, ok = c.Part("DXIL")
	assert.False(t, ok)
}

func TestCheckHeaderRejects(t *testing.T) {
	good := Pack(0, NewPart("WGSL", []byte("x")))

	badSig := bytes.Clone(good)
	copy(badSig, "NOPE")

	badSize := bytes.Clone(good)
	binary.LittleEndian.PutUint32(badSize[24:28], uint32(len(good)+4))

	noParts := Pack(0)

	cases := []struct {
		name string
		code []byte
		want error
	}{
		{"empty", nil, ErrEmpty},
		{"short", good[:16], ErrTooSmall},
		{"signature", badSig, ErrBadSignature},
		{"size", badSize, ErrSizeMismatch},
		{"parts", noParts, ErrNoParts},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CheckHeader(tc.code)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestParseRejectsBadOffsets(t *testing.T) {
	code := Pack(0, NewPart("WGSL", []byte("abcd")))
	binary.LittleEndian.PutUint32(code[HeaderSize:], uint32(len(code)))
	_, err := Parse(code)
	assert.ErrorIs(t, err, ErrBadPartOffset)
}

type captureLogger struct {
	warns, errs int
}

func (c *captureLogger) DebugEnabled() bool    { return false }
func (c *captureLogger) SetDebug(bool)         {}
func (c *captureLogger) Debugf(string, ...any) {}
func (c *captureLogger) Infof(string, ...any)  {}
func (c *captureLogger) Warnf(string, ...any)  { c.warns++ }
func (c *captureLogger) Errorf(string, ...any) { c.errs++ }

func TestValidateBundle(t *testing.T) {
	big := Pack(0, NewPart("WGSL", bytes.Repeat([]byte{' '}, 600)))
	small := Pack(0, NewPart("WGSL", []byte("fn f() {}")))

	log := &captureLogger{}
	require.NoError(t, Validate(NewBundle(big, small, small), log))
	assert.Zero(t, log.warns)

	// tiny ray-gen is only a warning
	log = &captureLogger{}
	require.NoError(t, Validate(NewBundle(small, small, small), log))
	assert.Equal(t, 1, log.warns)

	log = &captureLogger{}
	err := Validate(NewBundle(big, nil, small), log)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmpty)
	assert.Contains(t, err.Error(), "Miss")
	assert.Equal(t, 1, log.errs)

	b := NewBundle(big, small, small)
	b.ClosestHit.EntryPoint = ""
	assert.ErrorIs(t, Validate(b, nil), ErrMissingEntry)
}
