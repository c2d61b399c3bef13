package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameKind discriminates the three frame shapes the streaming protocol
// defines. Anything else on the wire is a protocol violation.
type FrameKind int

const (
	// FrameChunk carries an incremental content fragment.
	FrameChunk FrameKind = iota + 1
	// FrameError is terminal and carries a human-readable failure message.
	FrameError
	// FrameDone is terminal; it carries a session id only when the backend
	// created a new session during the exchange.
	FrameDone
)

// ErrMalformedFrame reports a stream event whose payload does not match
// exactly one of the defined frame shapes.
var ErrMalformedFrame = errors.New("malformed stream frame")

// ErrUnauthorized reports a rejected credential. A stream hitting this error
// is terminal, and callers should not retry until re-authentication.
var ErrUnauthorized = errors.New("unauthorized")

// Frame is the decoded form of a single stream event. Decoding happens once,
// here, at the protocol boundary; consumers dispatch on Kind and never probe
// raw payloads.
type Frame struct {
	Kind      FrameKind
	Chunk     string
	ErrorText string
	SessionID string
}

type frameWire struct {
	Chunk     *string `json:"chunk,omitempty"`
	Error     *string `json:"error,omitempty"`
	Done      bool    `json:"done,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
}

// DecodeFrame decodes a raw stream payload into a Frame. Every failure is a
// protocol violation wrapped in ErrMalformedFrame, including payloads that
// are not JSON at all; json.Unmarshal rejects those before UnmarshalJSON
// runs, so the wrapping cannot live in the method alone.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		if errors.Is(err, ErrMalformedFrame) {
			return Frame{}, err
		}
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

// UnmarshalJSON decodes a frame payload, rejecting anything that is not
// exactly one of the chunk, error, or done shapes.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var w frameWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch {
	case w.Chunk != nil && w.Error == nil && !w.Done:
		f.Kind = FrameChunk
		f.Chunk = *w.Chunk
	case w.Error != nil && w.Chunk == nil && !w.Done:
		f.Kind = FrameError
		f.ErrorText = *w.Error
	case w.Done && w.Chunk == nil && w.Error == nil:
		f.Kind = FrameDone
		f.SessionID = w.SessionID
	default:
		return fmt.Errorf("%w: %s", ErrMalformedFrame, string(data))
	}
	return nil
}

// MarshalJSON encodes the frame in the wire shape matching its kind.
func (f Frame) MarshalJSON() ([]byte, error) {
	switch f.Kind {
	case FrameChunk:
		return json.Marshal(frameWire{Chunk: &f.Chunk})
	case FrameError:
		return json.Marshal(frameWire{Error: &f.ErrorText})
	case FrameDone:
		return json.Marshal(frameWire{Done: true, SessionID: f.SessionID})
	default:
		return nil, fmt.Errorf("unknown frame kind: %d", f.Kind)
	}
}

// StreamRequest is the payload that opens a streaming exchange. Turns carry
// the prior history up to the target; for a regeneration TargetMessageID names
// the assistant message being replaced and Turns exclude it.
type StreamRequest struct {
	Turns           []Turn `json:"messages"`
	Purpose         string `json:"purpose"`
	SessionID       string `json:"session_id,omitempty"`
	TargetMessageID string `json:"target_message_id,omitempty"`
}
