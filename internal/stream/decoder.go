// ABOUTME: Incremental decoder for the SSE-style completion stream
// ABOUTME: Turns arbitrary byte chunks into ContentDelta/KeepAlive/Done frames

package stream

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
)

// FrameKind identifies one decoded unit of the stream.
type FrameKind int

const (
	// FrameContentDelta carries a fragment of assistant text.
	FrameContentDelta FrameKind = iota
	// FrameKeepAlive is a liveness pulse with no content.
	FrameKeepAlive
	// FrameDone marks the end of the stream.
	FrameDone
)

// Frame is one decoded unit from the streaming response.
type Frame struct {
	Kind FrameKind
	Text string // populated for FrameContentDelta only
}

const (
	dataPrefix   = "data:"
	commentMark  = ":"
	doneSentinel = "[DONE]"
)

// Decoder reassembles lines from arbitrary-sized byte chunks and produces
// typed frames in stream order. A partial trailing line (including a rune
// split across a read boundary) is retained and prefixed to the next chunk,
// so the frame sequence is independent of how the transport segments bytes.
//
// Decoding never fails: a payload that does not parse as a content delta is
// logged and skipped. A decoder is single-pass; once FrameDone has been
// produced further input is ignored.
type Decoder struct {
	buf      bytes.Buffer // partial trailing line across Feed calls
	pending  []Frame
	finished bool
	logger   *slog.Logger
}

// NewDecoder creates a decoder. Pass nil logger for default.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger.With("component", "decoder")}
}

// Feed appends a chunk of transport bytes and decodes any complete lines.
func (d *Decoder) Feed(chunk []byte) {
	if d.finished || len(chunk) == 0 {
		return
	}
	d.buf.Write(chunk)

	for {
		data := d.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return
		}
		line := string(data[:idx])
		d.buf.Next(idx + 1)
		d.decodeLine(strings.TrimSuffix(line, "\r"))
		if d.finished {
			d.buf.Reset()
			return
		}
	}
}

// Next returns the next decoded frame, or false if none is buffered.
// Callers pull until false, feed more bytes, and pull again.
func (d *Decoder) Next() (Frame, bool) {
	if len(d.pending) == 0 {
		return Frame{}, false
	}
	f := d.pending[0]
	d.pending = d.pending[1:]
	return f, true
}

// Finished reports whether the end-of-stream marker has been decoded.
func (d *Decoder) Finished() bool {
	return d.finished
}

func (d *Decoder) decodeLine(line string) {
	if line == "" {
		return
	}

	if strings.HasPrefix(line, dataPrefix) {
		payload := strings.TrimSpace(line[len(dataPrefix):])
		if payload == doneSentinel {
			d.pending = append(d.pending, Frame{Kind: FrameDone})
			d.finished = true
			return
		}
		var chunk chunkPayload
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Malformed frames must not abort the session
			d.logger.Debug("skipping malformed frame", "error", err)
			return
		}
		if len(chunk.Choices) == 0 {
			d.logger.Debug("skipping frame without choices")
			return
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			d.pending = append(d.pending, Frame{Kind: FrameContentDelta, Text: text})
		}
		return
	}

	if strings.HasPrefix(line, commentMark) {
		d.pending = append(d.pending, Frame{Kind: FrameKeepAlive})
		return
	}

	// Unknown field lines (e.g. "event:") are ignored for forward compatibility
}
