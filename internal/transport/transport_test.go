package transport

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// burstReader returns one scripted burst per Read; an empty burst is a
// read timeout.
type burstReader struct {
	bursts []string
	err    error
}

func (b *burstReader) Read(p []byte) (int, error) {
	if len(b.bursts) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		return 0, nil
	}
	n := copy(p, b.bursts[0])
	b.bursts[0] = b.bursts[0][n:]
	if b.bursts[0] == "" {
		b.bursts = b.bursts[1:]
	}
	return n, nil
}

func TestLineReaderSplitsLines(t *testing.T) {
	r := newLineReader(&burstReader{bursts: []string{"\r\nOK\r\n+CSQ: 1", "5,0\r\n"}})

	lines := []string{}
	for i := 0; i < 3; i++ {
		l, err := r.ReadLine()
		require.NoError(t, err)
		lines = append(lines, l)
	}
	assert.Equal(t, []string{"\r\n", "OK\r\n", "+CSQ: 15,0\r\n"}, lines)
}

func TestLineReaderReturnsPartialLineOnTimeout(t *testing.T) {
	r := newLineReader(&burstReader{bursts: []string{"\r\n", "> ", ""}})

	l, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "\r\n", l)

	l, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "> ", l)

	l, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "", l)
}

func TestLineReaderPropagatesErrors(t *testing.T) {
	r := newLineReader(&burstReader{err: io.ErrUnexpectedEOF})
	_, err := r.ReadLine()
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

type shortWriter struct{ got []byte }

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) > 3 {
		p = p[:3]
	}
	w.got = append(w.got, p...)
	return len(p), nil
}

func TestWriteAllLoopsOverShortWrites(t *testing.T) {
	w := &shortWriter{}
	require.NoError(t, writeAll(w, []byte("AT+CSQ\r")))
	assert.Equal(t, "AT+CSQ\r", string(w.got))
}

func TestValidateDevice(t *testing.T) {
	assert.NoError(t, ValidateDevice("/dev/ttyAMA0"))
	assert.NoError(t, ValidateDevice("/dev/serial0"))
	assert.Error(t, ValidateDevice(""))
	assert.Error(t, ValidateDevice("/dev/../etc/passwd"))
	assert.Error(t, ValidateDevice("/tmp/ttyUSB0"))
}

func TestSerialOpenerFailureIsSerialError(t *testing.T) {
	_, err := SerialOpener{Device: "/dev/ttyJANUSMISSING0"}.Open()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSerial))

	_, err = SerialOpener{Device: "not-a-device"}.Open()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSerial))
}
