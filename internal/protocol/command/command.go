package command

import "fmt"

// Command ids understood by the device.
const (
	GetVersion uint16 = 1000
	ChangeMode uint16 = 1001
	Scan14443A uint16 = 2000
	Scan125K   uint16 = 3000
)

// Device modes carried by ChangeMode.
const (
	ModeTag    byte = 0x00
	ModeReader byte = 0x01
)

// Status codes returned in frame headers.
const (
	StatusSuccess  uint16 = 0x0000
	StatusGenErr   uint16 = 0x0001
	StatusLFOK     uint16 = 0x0040
	StatusLFErr1   uint16 = 0x0041
	StatusLFErr2   uint16 = 0x0042
	StatusHFErr    uint16 = 0x0065
	StatusModeErr  uint16 = 0x0066
	StatusOKCustom uint16 = 0x0068
)

type StatusClass int

const (
	ClassUnknown StatusClass = iota
	ClassSuccess
	ClassModeError
	ClassNoCard
)

func (c StatusClass) String() string {
	switch c {
	case ClassSuccess:
		return "Success"
	case ClassModeError:
		return "Mode Error (Set Reader)"
	case ClassNoCard:
		return "No card detected"
	default:
		return "Unknown"
	}
}

func (c StatusClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Classify maps a wire status code onto its class.
func Classify(status uint16) StatusClass {
	switch status {
	case StatusSuccess, StatusOKCustom, StatusLFOK:
		return ClassSuccess
	case StatusModeErr:
		return ClassModeError
	case StatusHFErr, StatusLFErr1, StatusLFErr2, StatusGenErr:
		return ClassNoCard
	default:
		return ClassUnknown
	}
}

// Name returns a short label for logs.
func Name(id uint16) string {
	switch id {
	case GetVersion:
		return "GET_VERSION"
	case ChangeMode:
		return "CHANGE_MODE"
	case Scan14443A:
		return "SCAN_14443A"
	case Scan125K:
		return "SCAN_125K"
	default:
		return fmt.Sprintf("CMD_%d", id)
	}
}

func ModeName(mode byte) string {
	if mode == ModeReader {
		return "READER"
	}
	return "TAG"
}
