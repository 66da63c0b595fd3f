package proxybus

import "github.com/npipe-project/npipe/internal/codec"

// Kind tags the variant of a Message (spec §3 "ProxyMessage"). Consumers
// should ignore unknown kinds for forward compatibility (spec §6).
type Kind int

const (
	// I2O: inlet -> outlet
	I2oConnect Kind = iota
	I2oSendData
	I2oSendToData
	I2oRecvDataResult
	I2oDisconnect

	// O2I: outlet -> inlet
	O2iConnect
	O2iSendDataResult
	O2iRecvData
	O2iRecvDataFrom
	O2iDisconnect
)

func (k Kind) String() string {
	switch k {
	case I2oConnect:
		return "I2oConnect"
	case I2oSendData:
		return "I2oSendData"
	case I2oSendToData:
		return "I2oSendToData"
	case I2oRecvDataResult:
		return "I2oRecvDataResult"
	case I2oDisconnect:
		return "I2oDisconnect"
	case O2iConnect:
		return "O2iConnect"
	case O2iSendDataResult:
		return "O2iSendDataResult"
	case O2iRecvData:
		return "O2iRecvData"
	case O2iRecvDataFrom:
		return "O2iRecvDataFrom"
	case O2iDisconnect:
		return "O2iDisconnect"
	default:
		return "Unknown"
	}
}

// Message is a single ProxyMessage value (spec §3). Only the fields
// relevant to Kind are populated; the rest are zero. A tagged struct keeps
// the bus a plain value type with no interface dispatch, matching how the
// teacher's event bus (core/events.go) carries a Type + any Payload.
type Message struct {
	Kind      Kind
	TunnelID  string
	SessionID uint32

	// I2oConnect
	InletKind  InletKind
	IsTCP      bool
	Compressed bool
	TargetAddr TargetAddr
	EncMethod  codec.EncMethod
	EncKey     []byte
	ClientAddr string

	// I2oSendData / I2oSendToData / O2iRecvData
	Data []byte

	// I2oSendToData / O2iRecvDataFrom
	RemoteAddr TargetAddr

	// I2oRecvDataResult / O2iSendDataResult
	Len int

	// O2iConnect
	Success bool
	ErrMsg  string
}
