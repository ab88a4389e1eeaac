// ABOUTME: Tests for the streaming frame decoder
// ABOUTME: Covers chunk-boundary independence, malformed frames, rune splits

package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func delta(content string) string {
	return `data: {"choices":[{"delta":{"content":"` + content + `"}}]}` + "\n"
}

func drain(d *Decoder) []Frame {
	var frames []Frame
	for {
		f, ok := d.Next()
		if !ok {
			return frames
		}
		frames = append(frames, f)
	}
}

func decodeAll(input []byte, chunkSize int) []Frame {
	d := NewDecoder(nil)
	var frames []Frame
	for start := 0; start < len(input); start += chunkSize {
		end := start + chunkSize
		if end > len(input) {
			end = len(input)
		}
		d.Feed(input[start:end])
		frames = append(frames, drain(d)...)
	}
	return frames
}

func TestDecoder_BasicStream(t *testing.T) {
	input := delta("Hi") + ": keep-alive\n" + delta(" there") + delta("!") + "data: [DONE]\n"

	d := NewDecoder(nil)
	d.Feed([]byte(input))
	frames := drain(d)

	require.Len(t, frames, 5)
	assert.Equal(t, Frame{Kind: FrameContentDelta, Text: "Hi"}, frames[0])
	assert.Equal(t, FrameKeepAlive, frames[1].Kind)
	assert.Equal(t, " there", frames[2].Text)
	assert.Equal(t, "!", frames[3].Text)
	assert.Equal(t, FrameDone, frames[4].Kind)
	assert.True(t, d.Finished())
}

func TestDecoder_ChunkBoundaryIndependence(t *testing.T) {
	input := []byte(delta("Hello") + ": ping\n" + delta(" world") + delta("日本語テキスト") + "data: [DONE]\n")

	reference := decodeAll(input, len(input))
	require.NotEmpty(t, reference)

	// Every segmentation must yield the identical frame sequence,
	// including single-byte feeds that split multi-byte runes.
	for size := 1; size <= len(input); size++ {
		frames := decodeAll(input, size)
		require.Equal(t, reference, frames, "chunk size %d diverged", size)
	}
}

func TestDecoder_MalformedPayloadSkipped(t *testing.T) {
	input := "data: {not json}\n" + "data: {\"choices\":[]}\n" + delta("ok") + "data: [DONE]\n"

	d := NewDecoder(nil)
	d.Feed([]byte(input))
	frames := drain(d)

	require.Len(t, frames, 2)
	assert.Equal(t, "ok", frames[0].Text)
	assert.Equal(t, FrameDone, frames[1].Kind)
}

func TestDecoder_CRLFLines(t *testing.T) {
	d := NewDecoder(nil)
	d.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\r\ndata: [DONE]\r\n"))
	frames := drain(d)

	require.Len(t, frames, 2)
	assert.Equal(t, "a", frames[0].Text)
	assert.Equal(t, FrameDone, frames[1].Kind)
}

func TestDecoder_PartialTrailingLineHeldBack(t *testing.T) {
	d := NewDecoder(nil)
	d.Feed([]byte(`data: {"choices":[{"delta":{"content":"par`))

	_, ok := d.Next()
	assert.False(t, ok, "incomplete line must not produce a frame")

	d.Feed([]byte("tial\"}}]}\n"))
	f, ok := d.Next()
	require.True(t, ok)
	assert.Equal(t, "partial", f.Text)
}

func TestDecoder_InputAfterDoneIgnored(t *testing.T) {
	d := NewDecoder(nil)
	d.Feed([]byte("data: [DONE]\n"))
	frames := drain(d)
	require.Len(t, frames, 1)

	d.Feed([]byte(delta("late")))
	_, ok := d.Next()
	assert.False(t, ok)
}

func TestDecoder_EmptyDeltaProducesNoFrame(t *testing.T) {
	d := NewDecoder(nil)
	d.Feed([]byte(`data: {"choices":[{"delta":{}}]}` + "\n"))
	_, ok := d.Next()
	assert.False(t, ok)
}

func TestDecoder_UnknownFieldLinesIgnored(t *testing.T) {
	d := NewDecoder(nil)
	d.Feed([]byte("event: message\n" + delta("x")))
	frames := drain(d)
	require.Len(t, frames, 1)
	assert.Equal(t, "x", frames[0].Text)
}
