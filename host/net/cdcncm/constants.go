package cdcncm

// CDC interface codes.
const (
	SubclassECM  = 0x06 // Ethernet Networking Control Model
	SubclassNCM  = 0x0D // Network Control Model
	SubclassMBIM = 0x0E // Mobile Broadband Interface Model

	ProtocolNone = 0x00 // No class-specific protocol
	ProtocolNTB  = 0x01 // Data interface carries NTBs
)

// CDC functional descriptor subtypes.
const (
	SubtypeHeader   = 0x00 // Header Functional Descriptor
	SubtypeUnion    = 0x06 // Union Functional Descriptor
	SubtypeEthernet = 0x0F // Ethernet Networking Functional Descriptor
	SubtypeNCM      = 0x1A // NCM Functional Descriptor
	SubtypeMBIM     = 0x1B // MBIM Functional Descriptor
)

// NCM class requests.
const (
	RequestGetNTBParameters   = 0x80
	RequestGetNetAddress      = 0x81
	RequestSetNetAddress      = 0x82
	RequestGetNTBFormat       = 0x83
	RequestSetNTBFormat       = 0x84
	RequestGetNTBInputSize    = 0x85
	RequestSetNTBInputSize    = 0x86
	RequestGetMaxDatagramSize = 0x87
	RequestSetMaxDatagramSize = 0x88
	RequestGetCRCMode         = 0x89
	RequestSetCRCMode         = 0x8A
)

// NCM functional descriptor bmNetworkCapabilities bits.
const (
	CapPacketFilter    = 1 << 0 // SET_ETHERNET_PACKET_FILTER
	CapNetAddress      = 1 << 1 // GET/SET_NET_ADDRESS
	CapEncapsulated    = 1 << 2 // Encapsulated commands
	CapMaxDatagramSize = 1 << 3 // GET/SET_MAX_DATAGRAM_SIZE
	CapCRCMode         = 1 << 4 // GET/SET_CRC_MODE
	CapNTBInputSize8   = 1 << 5 // 8-byte SET_NTB_INPUT_SIZE
)

// NTB formats.
const (
	FormatNTB16 = 1 << 0 // bmNtbFormatsSupported bit
	FormatNTB32 = 1 << 1

	SetFormatNTB16 = 0x0000 // SET_NTB_FORMAT wValue
)

// Notification codes.
const (
	NotificationNetworkConnection = 0x00
	NotificationResponseAvailable = 0x01
	NotificationSpeedChange       = 0x2A
)

// NotificationHeaderSize is the size of the notification header that
// precedes any notification payload.
const NotificationHeaderSize = 8

// NTB16 framing.
const (
	NTH16Signature = 0x484D434E // "NCMH"
	NDP16Signature = 0x304D434E // "NCM0", no CRC
	NDP16CRCSign   = 0x314D434E // "NCM1"

	NTH16Size      = 12
	NDP16HeaderLen = 8
	DPE16Size      = 4
	NDP16MinLen    = NDP16HeaderLen + 2*DPE16Size
)

// Sizing defaults and limits.
const (
	NTBParametersSize = 28

	NTBMinInSize   = 2048
	NTBMinOutSize  = 2048
	NTBDefaultSize = 16384
	NTBMaxRxSize   = 32768
	NTBMaxTxSize   = 32768

	MaxDatagramSize    = 8192
	MaxDatagramsPerNTB = 40
	MinAlignment       = 4
	maxNDPsPerNTB      = 1024
)

// DataAltSettingNCM is the data interface altsetting carrying NTBs.
// Altsetting 0 has no endpoints and is idle.
const DataAltSettingNCM = 1

// BindFlags adjust BindCommon for non-conforming functions.
type BindFlags uint32

const (
	// FlagNoNotificationEndpoint accepts a control interface without an
	// interrupt IN endpoint.
	FlagNoNotificationEndpoint BindFlags = 1 << 0
)
