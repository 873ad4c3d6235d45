package command

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/chamctl/internal/protocol/frame"
)

var ErrMalformed = errors.New("command: malformed response payload")

// Kind tags the shape of a dispatched event.
type Kind string

const (
	KindStatus         Kind = "status"
	KindVersion        Kind = "version"
	KindHFTag          Kind = "hf_tag"
	KindLFTag          Kind = "lf_tag"
	KindMalformed      Kind = "malformed"
	KindUnknownPayload Kind = "unknown_payload"
)

type Version struct {
	Major uint8 `json:"major"`
	Minor uint8 `json:"minor"`
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// HFTag is an ISO14443-A scan result. ATQA and SAK are optional.
type HFTag struct {
	UID     []byte `json:"uid"`
	ATQA    []byte `json:"atqa,omitempty"`
	SAK     uint8  `json:"sak"`
	HasSAK  bool   `json:"has_sak"`
	HasATQA bool   `json:"has_atqa"`
}

type LFTag struct {
	Data []byte `json:"data"`
}

// Event is the descriptive result of one validated frame.
type Event struct {
	Kind       Kind        `json:"kind"`
	Command    uint16      `json:"command"`
	Status     uint16      `json:"status"`
	Class      StatusClass `json:"class"`
	PayloadLen int         `json:"payload_len"`
	Version    *Version    `json:"version,omitempty"`
	HF         *HFTag      `json:"hf,omitempty"`
	LF         *LFTag      `json:"lf,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Err        error       `json:"-"`
}

// Decoder turns a success payload into an event. Payload is never empty.
type Decoder func(ev Event, payload []byte) Event

var decoders = map[uint16]Decoder{
	GetVersion: decodeVersion,
	Scan14443A: decode14443A,
	Scan125K:   decode125K,
}

// Dispatch maps a validated frame onto an Event. It never fails; malformed
// payloads are reported as KindMalformed.
func Dispatch(f frame.Frame) Event {
	ev := Event{
		Kind:       KindStatus,
		Command:    f.Command(),
		Status:     f.Status(),
		Class:      Classify(f.Status()),
		PayloadLen: len(f.Payload),
	}
	if ev.Class != ClassSuccess || len(f.Payload) == 0 {
		return ev
	}
	dec, ok := decoders[ev.Command]
	if !ok {
		ev.Kind = KindUnknownPayload
		return ev
	}
	return dec(ev, f.Payload)
}

func malformed(ev Event, reason string) Event {
	ev.Kind = KindMalformed
	ev.Reason = reason
	ev.Err = fmt.Errorf("%w: %s", ErrMalformed, reason)
	return ev
}

func decodeVersion(ev Event, p []byte) Event {
	if len(p) < 2 {
		return malformed(ev, fmt.Sprintf("version payload too short (%d)", len(p)))
	}
	ev.Kind = KindVersion
	ev.Version = &Version{Major: p[0], Minor: p[1]}
	return ev
}

func decode14443A(ev Event, p []byte) Event {
	uidLen := int(p[0])
	if uidLen != 4 && uidLen != 7 && uidLen != 10 {
		return malformed(ev, fmt.Sprintf("invalid UID length %d", uidLen))
	}
	if len(p) < 1+uidLen {
		return malformed(ev, fmt.Sprintf("truncated UID: have %d want %d", len(p)-1, uidLen))
	}
	tag := &HFTag{UID: append([]byte(nil), p[1:1+uidLen]...)}
	rest := p[1+uidLen:]
	if len(rest) >= 2 {
		tag.ATQA = append([]byte(nil), rest[:2]...)
		tag.HasATQA = true
		rest = rest[2:]
		if len(rest) >= 1 {
			tag.SAK = rest[0]
			tag.HasSAK = true
		}
	}
	ev.Kind = KindHFTag
	ev.HF = tag
	return ev
}

func decode125K(ev Event, p []byte) Event {
	ev.Kind = KindLFTag
	ev.LF = &LFTag{Data: append([]byte(nil), p...)}
	return ev
}

// Summary renders the human-readable trace for an event.
func (e Event) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cmd: %d Status: 0x%x (%s) Len: %d", e.Command, e.Status, e.Class, e.PayloadLen)
	switch e.Kind {
	case KindVersion:
		fmt.Fprintf(&b, " -> Version: %s", e.Version)
	case KindHFTag:
		fmt.Fprintf(&b, " -> HF TAG FOUND! UID: %s", FormatHex(e.HF.UID))
		if e.HF.HasATQA {
			fmt.Fprintf(&b, " ATQA: %s", FormatHex(e.HF.ATQA))
		}
		if e.HF.HasSAK {
			fmt.Fprintf(&b, " SAK: 0x%02X", e.HF.SAK)
		}
	case KindLFTag:
		fmt.Fprintf(&b, " -> LF TAG FOUND! Data: %s", FormatHex(e.LF.Data))
	case KindMalformed:
		fmt.Fprintf(&b, " -> Malformed response (%s)", e.Reason)
	case KindUnknownPayload:
		b.WriteString(" -> payload present, command unknown")
	}
	return b.String()
}

// FormatHex renders bytes as space separated lowercase hex pairs.
func FormatHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	s := hex.EncodeToString(b)
	var out strings.Builder
	out.Grow(len(b) * 3)
	for i := 0; i < len(s); i += 2 {
		if i > 0 {
			out.WriteByte(' ')
		}
		out.WriteString(s[i : i+2])
	}
	return out.String()
}
