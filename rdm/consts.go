package rdm

// Start codes.
const (
	SCDMX        = 0x00 // null start code: plain DMX data
	SCRDM        = 0xCC
	SCSubMessage = 0x01
)

// CommandClass selects the operation of a request or response.
type CommandClass uint8

const (
	CCDiscCommand  CommandClass = 0x10
	CCDiscResponse CommandClass = 0x11
	CCGetCommand   CommandClass = 0x20
	CCGetResponse  CommandClass = 0x21
	CCSetCommand   CommandClass = 0x30
	CCSetResponse  CommandClass = 0x31
)

// IsRequest reports whether cc is one of the three request classes.
func (cc CommandClass) IsRequest() bool {
	return cc == CCDiscCommand || cc == CCGetCommand || cc == CCSetCommand
}

// Response returns the response class paired with a request class.
func (cc CommandClass) Response() CommandClass { return cc + 1 }

func (cc CommandClass) String() string {
	switch cc {
	case CCDiscCommand:
		return "DISC"
	case CCDiscResponse:
		return "DISC_RESP"
	case CCGetCommand:
		return "GET"
	case CCGetResponse:
		return "GET_RESP"
	case CCSetCommand:
		return "SET"
	case CCSetResponse:
		return "SET_RESP"
	default:
		return "?"
	}
}

// ResponseType occupies the port-id header slot in the response direction.
type ResponseType uint8

const (
	RTAck         ResponseType = 0x00
	RTAckTimer    ResponseType = 0x01
	RTNackReason  ResponseType = 0x02
	RTAckOverflow ResponseType = 0x03
)

func (rt ResponseType) Valid() bool { return rt <= RTAckOverflow }

// Parameter IDs from ANSI E1.20 Table A-3, the subset the driver speaks.
const (
	PIDDiscUniqueBranch     uint16 = 0x0001
	PIDDiscMute             uint16 = 0x0002
	PIDDiscUnMute           uint16 = 0x0003
	PIDSupportedParameters  uint16 = 0x0050
	PIDParameterDescription uint16 = 0x0051
	PIDDeviceInfo           uint16 = 0x0060
	PIDDeviceLabel          uint16 = 0x0082
	PIDSoftwareVersionLabel uint16 = 0x00C0
	PIDDMXStartAddress      uint16 = 0x00F0
	PIDIdentifyDevice       uint16 = 0x1000
)

// NackReason codes from ANSI E1.20 Table A-17.
type NackReason uint16

const (
	NRUnknownPID              NackReason = 0x0000
	NRFormatError             NackReason = 0x0001
	NRHardwareFault           NackReason = 0x0002
	NRProxyReject             NackReason = 0x0003
	NRWriteProtect            NackReason = 0x0004
	NRUnsupportedCommandClass NackReason = 0x0005
	NRDataOutOfRange          NackReason = 0x0006
	NRBufferFull              NackReason = 0x0007
	NRHardwareFormatError     NackReason = 0x0008
	NRSubDeviceOutOfRange     NackReason = 0x0009
	NRProxyBufferFull         NackReason = 0x000A
)

// Sub-device addressing.
const (
	SubDeviceRoot uint16 = 0x0000
	SubDeviceAll  uint16 = 0xFFFF
	MaxSubDevice  uint16 = 0x0200
)

// Command class permission bits for parameter descriptors.
const (
	CCFlagGet uint8 = 1 << 0
	CCFlagSet uint8 = 1 << 1
)

// Parameter data types from ANSI E1.20 Table A-15, the subset used by the
// built-in parameter set.
const (
	DataTypeNotDefined    uint8 = 0x00
	DataTypeBitField      uint8 = 0x01
	DataTypeASCII         uint8 = 0x03
	DataTypeUnsignedByte  uint8 = 0x06
	DataTypeUnsignedWord  uint8 = 0x08
	DataTypeUnsignedDWord uint8 = 0x0A
)

// Units and prefixes (Tables A-13, A-14). NONE is all the built-ins need.
const (
	UnitsNone  uint8 = 0x00
	PrefixNone uint8 = 0x00
)

// Discovery mute control field bits (Table 7-3).
const (
	MuteManagedProxy  uint16 = 1 << 0
	MuteSubDevices    uint16 = 1 << 1
	MuteBootLoader    uint16 = 1 << 2
	MuteProxiedDevice uint16 = 1 << 3
)

// Product category: the generic "fixture" category used until the
// application overrides it (Table A-5).
const ProductCategoryFixture uint16 = 0x0101
