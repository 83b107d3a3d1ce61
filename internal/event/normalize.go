package event

import (
	"encoding/hex"
	"fmt"
)

// Normalizer rewrites an event before it is forwarded downstream.
type Normalizer interface {
	Normalize(Event) (Event, error)
}

// NormalizerFunc adapts a function to Normalizer.
type NormalizerFunc func(Event) (Event, error)

func (f NormalizerFunc) Normalize(e Event) (Event, error) { return f(e) }

// PassThrough forwards events unmodified.
var PassThrough Normalizer = NormalizerFunc(func(e Event) (Event, error) { return e, nil })

// HexNormalizer converts raw binary buffers into lowercase hex text.
// Payloads larger than MaxPayload are rejected when MaxPayload > 0.
type HexNormalizer struct {
	MaxPayload int
}

func (h HexNormalizer) Normalize(e Event) (Event, error) {
	if !e.HasPayload() {
		return e, nil
	}
	if e.Encoding != EncodingNone {
		return e, fmt.Errorf("payload already encoded as %q", e.Encoding)
	}
	if h.MaxPayload > 0 && len(e.Buffer) > h.MaxPayload {
		return e, fmt.Errorf("payload of %d bytes exceeds limit %d", len(e.Buffer), h.MaxPayload)
	}
	e.Data = hex.EncodeToString(e.Buffer)
	e.Encoding = EncodingHex
	e.Buffer = nil
	return e, nil
}

// NormalizerFor picks the normalizer matching the consumer mode.
func NormalizerFor(hexNormalize bool) Normalizer {
	if hexNormalize {
		return HexNormalizer{}
	}
	return PassThrough
}
