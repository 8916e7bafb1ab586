package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/atelier-ai/atelier/internal/logging"
)

// framePrefix marks lines that carry an event frame.
const framePrefix = "data: "

// Frame is one decoded unit of the wire protocol: an event kind plus its
// still-encoded payload.
type Frame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Decoder splits a raw producer stream into frames. The sequence is lazy,
// finite, and non-restartable; a frame spanning several read chunks is
// buffered until its line completes. Malformed frames are dropped rather
// than surfaced: one broken control frame must never abort an otherwise
// healthy stream.
type Decoder struct {
	r   *bufio.Reader
	log zerolog.Logger
}

// NewDecoder creates a Decoder over a raw frame source.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:   bufio.NewReader(r),
		log: logging.For("stream.decoder"),
	}
}

// Next returns the next well-formed frame. It returns io.EOF when the source
// ends; no synthetic terminal frame is emitted, termination semantics belong
// to the reconciler. Lines without the frame prefix and frames with
// malformed JSON are skipped.
func (d *Decoder) Next() (Frame, error) {
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && completeFrame(line) {
				// Source closed without a trailing newline but the final
				// line is intact.
				if frame, ok := d.parseLine(line); ok {
					return frame, nil
				}
			}
			return Frame{}, err
		}

		if frame, ok := d.parseLine(line); ok {
			return frame, nil
		}
	}
}

// completeFrame reports whether an unterminated trailing line holds a whole
// frame. A partial read that did not complete a line must not be emitted, but
// a line ending exactly at EOF is complete by construction.
func completeFrame(line string) bool {
	payload, ok := strings.CutPrefix(strings.TrimRight(line, "\r\n"), framePrefix)
	return ok && json.Valid([]byte(payload))
}

func (d *Decoder) parseLine(line string) (Frame, bool) {
	line = strings.TrimRight(line, "\r\n")
	payload, ok := strings.CutPrefix(line, framePrefix)
	if !ok {
		// Blank separator lines and unknown fields (comments, heartbeats).
		return Frame{}, false
	}

	var frame Frame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		d.log.Warn().Err(err).Msg("dropping malformed frame")
		return Frame{}, false
	}
	if frame.Type == "" {
		d.log.Warn().Msg("dropping frame without type")
		return Frame{}, false
	}
	return frame, true
}
