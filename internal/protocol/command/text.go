package command

import "strings"

// Request is one outbound binary command.
type Request struct {
	Command uint16
	Payload []byte
	Label   string
}

type textRule struct {
	match string
	req   Request
}

// Order matters: the first rule whose phrase appears in the line wins.
var textRules = []textRule{
	{"hf search", Request{Command: Scan14443A, Label: "hf search"}},
	{"lf search", Request{Command: Scan125K, Label: "lf search"}},
	{"info", Request{Command: GetVersion, Label: "info"}},
	{"mode reader", Request{Command: ChangeMode, Payload: []byte{ModeReader}, Label: "mode reader"}},
	{"mode tag", Request{Command: ChangeMode, Payload: []byte{ModeTag}, Label: "mode tag"}},
}

// ParseText maps a console phrase onto a binary request. ok is false when the
// line should be forwarded as raw text instead.
func ParseText(line string) (Request, bool) {
	for _, rule := range textRules {
		if strings.Contains(line, rule.match) {
			req := rule.req
			req.Payload = append([]byte(nil), rule.req.Payload...)
			return req, true
		}
	}
	return Request{}, false
}

// SetMode builds the CHANGE_MODE request for mode.
func SetMode(mode byte) Request {
	return Request{Command: ChangeMode, Payload: []byte{mode}, Label: "mode " + strings.ToLower(ModeName(mode))}
}
