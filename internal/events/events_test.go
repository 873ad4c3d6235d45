package events

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestRecorderLimitKeepsNewest(t *testing.T) {
	r := NewRecorder(2)
	r.Emit(Event{Kind: KindInfo, Message: "a"})
	r.Emit(Event{Kind: KindWarn, Message: "b"})
	r.Emit(Event{Kind: KindInfo, Message: "c"})
	got := r.Events()
	if len(got) != 2 || got[0].Message != "b" || got[1].Message != "c" {
		t.Fatalf("unexpected events: %+v", got)
	}
	if infos := r.OfKind(KindInfo); len(infos) != 1 || infos[0].Message != "c" {
		t.Fatalf("unexpected filter: %+v", infos)
	}
}

func TestMultiFansOut(t *testing.T) {
	a, b := NewRecorder(0), NewRecorder(0)
	Multi{a, nil, b}.Emit(Event{Kind: KindState, From: "IDLE", To: "SCANNING"})
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Fatalf("multi did not reach every sink")
	}
}

func TestLogSinkWritesRawHex(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: zerolog.New(&buf).Level(zerolog.DebugLevel)}
	sink.Emit(Event{Kind: KindTX, Message: "tx GET_VERSION", Raw: []byte{0x11, 0xef}})
	if !strings.Contains(buf.String(), `"raw":"11 ef"`) {
		t.Fatalf("log line missing raw hex: %s", buf.String())
	}
}
