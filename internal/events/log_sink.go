package events

import (
	"github.com/danmuck/chamctl/internal/protocol/command"
	"github.com/rs/zerolog"
)

// LogSink writes one human-readable line per event.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Emit(ev Event) {
	var entry *zerolog.Event
	switch ev.Kind {
	case KindError:
		entry = s.Logger.Error()
	case KindWarn:
		entry = s.Logger.Warn()
	case KindTX, KindRX:
		entry = s.Logger.Debug()
	default:
		entry = s.Logger.Info()
	}
	entry = entry.Str("kind", string(ev.Kind))
	if len(ev.Raw) > 0 {
		entry = entry.Str("raw", command.FormatHex(ev.Raw))
	}
	if ev.From != "" || ev.To != "" {
		entry = entry.Str("from", ev.From).Str("to", ev.To)
	}
	if ev.Err != "" {
		entry = entry.Str("error", ev.Err)
	}
	entry.Msg(ev.Message)
}
