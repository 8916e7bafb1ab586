package stream

import (
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoderReadsFrames(t *testing.T) {
	src := "data: {\"type\":\"text\",\"data\":\"Hello\"}\n\n" +
		"data: {\"type\":\"done\",\"data\":\"\"}\n\n"

	dec := NewDecoder(strings.NewReader(src))

	frame, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "text", frame.Type)
	assert.Equal(t, "Hello", frame.Data)

	frame, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "done", frame.Type)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderBuffersAcrossChunkBoundaries(t *testing.T) {
	// One byte per read forces every frame to span many chunks.
	src := iotest.OneByteReader(strings.NewReader(
		"data: {\"type\":\"text\",\"data\":\"AB\"}\n\n" +
			"data: {\"type\":\"text\",\"data\":\"CD\"}\n\n"))

	dec := NewDecoder(src)

	frame, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "AB", frame.Data)

	frame, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "CD", frame.Data)
}

func TestDecoderDropsMalformedFrames(t *testing.T) {
	src := "data: {not json}\n\n" +
		"data: {\"type\":\"text\",\"data\":\"ok\"}\n\n" +
		"data: {\"data\":\"missing type\"}\n\n" +
		"data: {\"type\":\"done\",\"data\":\"\"}\n\n"

	dec := NewDecoder(strings.NewReader(src))

	frame, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "ok", frame.Data)

	frame, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "done", frame.Type)
}

func TestDecoderIgnoresNonFrameLines(t *testing.T) {
	src := ": heartbeat\n" +
		"event: message\n" +
		"\n" +
		"data: {\"type\":\"status\",\"data\":\"thinking\"}\n\n"

	dec := NewDecoder(strings.NewReader(src))

	frame, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "status", frame.Type)
}

func TestDecoderEmitsCompleteTrailingLineAtEOF(t *testing.T) {
	// No trailing newline, but the frame itself is complete.
	src := "data: {\"type\":\"done\",\"data\":\"\"}"

	dec := NewDecoder(strings.NewReader(src))

	frame, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "done", frame.Type)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderDropsIncompleteTrailingLine(t *testing.T) {
	// The source dies mid-frame; the partial line must not be emitted.
	src := "data: {\"type\":\"text\",\"da"

	dec := NewDecoder(strings.NewReader(src))

	_, err := dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestParseFrameUnknownKindIgnored(t *testing.T) {
	_, ok := ParseFrame(Frame{Type: "future_kind", Data: "{}"})
	assert.False(t, ok)
}

func TestParseFrameMalformedStructuredPayloadsDropped(t *testing.T) {
	for _, frame := range []Frame{
		{Type: "tool_use", Data: "not json"},
		{Type: "tool_use", Data: `{"name":"x"}`}, // missing id
		{Type: "tool_result", Data: `{"content":"y"}`},
		{Type: "permission_request", Data: `{}`},
		{Type: "result", Data: "garbage"},
	} {
		_, ok := ParseFrame(frame)
		assert.False(t, ok, "frame %q should be dropped", frame.Type)
	}
}

func TestParseFrameToolOutputForms(t *testing.T) {
	ev, ok := ParseFrame(Frame{Type: "tool_output", Data: `{"output":"chunk"}`})
	require.True(t, ok)
	out := ev.(ToolOutputEvent)
	assert.Equal(t, "chunk", out.Output)
	assert.Nil(t, out.Progress)

	ev, ok = ParseFrame(Frame{Type: "tool_output", Data: `{"progress":{"tool":"render","elapsedSeconds":3.5}}`})
	require.True(t, ok)
	out = ev.(ToolOutputEvent)
	require.NotNil(t, out.Progress)
	assert.Equal(t, "render", out.Progress.Tool)
	assert.InDelta(t, 3.5, out.Progress.ElapsedSeconds, 0.001)

	// Bare string form from older producers.
	ev, ok = ParseFrame(Frame{Type: "tool_output", Data: "raw text"})
	require.True(t, ok)
	assert.Equal(t, "raw text", ev.(ToolOutputEvent).Output)
}
