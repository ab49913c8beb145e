// Package metalogger holds the constants shared by the metadata
// replication stack: the protocol version announced to the master,
// the packet type codes of the master <-> metalogger protocol and
// the wire size limits.
package metalogger

// Version announced in the register packet.
const (
	VersionMajor uint16 = 1
	VersionMid   uint8  = 6
	VersionMin   uint8  = 20
)

// Packet type codes. Names follow the direction of the packet:
// MLTOMA is metalogger to master, MATOML is master to metalogger,
// ANTOAN is valid in both directions.
const (
	AntoanNop            uint32 = 0
	MltomaRegister       uint32 = 50
	MatomlMetachangesLog uint32 = 51
	MltomaDownloadStart  uint32 = 52
	MatomlDownloadStart  uint32 = 53
	MltomaDownloadData   uint32 = 54
	MatomlDownloadData   uint32 = 55
	MltomaDownloadEnd    uint32 = 56
)

const (
	// Largest payload accepted from the master. Anything bigger is
	// treated as a framing error and the session is dropped.
	MaxPacketSize uint32 = 1500000
	// Unit of transfer in the file download sub-protocol.
	MetaDlBlock uint64 = 1000000
)
