package esci2

import "time"

// Frame sizes.
const (
	RequestHeaderSize  = 12 // "CODE" + 'x' + 7 hex digits
	ResponseHeaderSize = 64 // echoed header + embedded tokens
	HeaderTypeMarker   = 'x'
)

// Fixed command literals (no payload).
const (
	CmdInfo     = "INFOx0000000" // general device information
	CmdCapa     = "CAPAx0000000" // front side capabilities
	CmdCapaBack = "CAPBx0000000" // back side capabilities
	CmdResa     = "RESAx0000000" // resolution / gamma tables
	CmdStat     = "STATx0000000" // device status
	CmdTrdt     = "TRDTx0000000" // switch to data phase
	CmdImg      = "IMG x0000000" // request one image chunk
	CmdCan      = "CAN x0000000" // cancel acknowledgment
	CmdFin      = "FIN x0000000" // end of session
)

// Command codes used with a payload.
const (
	CodePara = "PARA" // set scan parameters
	CodeMech = "MECH" // mechanical control (load / eject)
)

// Failure tags a device echoes instead of the command code.
const (
	ReplyUnknown = "UNKN"
	ReplyInvalid = "INVD"
)

// Terminator tag ending a token block.
const TagEnd = "---"

// Device error cause prefixes carried in an #err token.
const (
	CausePaperJam   = "PJ"
	CausePaperEmpty = "PE"
	CauseCoverOpen  = "OPN"
)

// DefaultBlockSize is the image block size assumed until the device reports
// its own through #BSZ.
const DefaultBlockSize = 0x40000 // 256KB

// DecompressBlockSize is how much the JPEG source pulls from the ring per fill.
const DecompressBlockSize = 1024

// Busy retry defaults for capability queries.
const (
	DefaultBusyAttempts = 4
	DefaultBusyDelay    = 2 * time.Second
)
