package relay

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, d *Decoder) []Frame {
	t.Helper()
	var frames []Frame
	for {
		f, err := d.Next()
		if errors.Is(err, io.EOF) {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func TestDecoder_SplitChunksAndCRLF(t *testing.T) {
	raw := "event: token\r\ndata: {\"content\":\"안녕\"}\r\n\r\n" +
		": keepalive\n\n" +
		"event: score\ndata: {\"total\":80}\n\n" +
		"data: [DONE]\n\n"

	frames := readAll(t, NewDecoder(iotest.OneByteReader(strings.NewReader(raw))))
	require.Len(t, frames, 3)
	assert.Equal(t, Frame{Event: "token", Data: `{"content":"안녕"}`}, frames[0])
	assert.Equal(t, "score", frames[1].Event)
	assert.True(t, frames[2].IsDoneSentinel())
}

func TestDecoder_MultiLineDataAndTrailingFrame(t *testing.T) {
	raw := "data: first\ndata:second\n\nevent: token\ndata: tail"
	frames := readAll(t, NewDecoder(strings.NewReader(raw)))
	require.Len(t, frames, 2)
	assert.Equal(t, "first\nsecond", frames[0].Data)
	assert.Equal(t, Frame{Event: "token", Data: "tail"}, frames[1])
}

func TestDecoder_FrameTooLarge(t *testing.T) {
	d := NewDecoder(strings.NewReader("data: " + strings.Repeat("x", 64) + "\n\n"))
	d.max = 16
	_, err := d.Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrame_EncodeRoundTrip(t *testing.T) {
	f := Frame{Event: "crisis", Data: "line one\nline two"}
	assert.Equal(t, "event: crisis\ndata: line one\ndata: line two\n\n", string(f.Encode()))

	frames := readAll(t, NewDecoder(strings.NewReader(string(f.Encode()))))
	require.Len(t, frames, 1)
	assert.Equal(t, f, frames[0])
}
