package token

// Well-known keys used by the core itself, outside user-authored bytecode.
// Values are the 13-bit region-encoded identifier; callers apply the
// appropriate Prefix with MakeKey.
const (
	KeyNull uint16 = 0

	// Address negotiation (Command-prefixed).
	KeyRequestAddress       uint16 = 1
	KeyResponseAddressInUse uint16 = 2

	// Reboot, shared between bootloader and application per the original
	// firmware; handling it is a host capability, not core responsibility.
	KeyRequestSystemReboot uint16 = 0x146F

	// FTP requests (8160..8169).
	KeyRequestFileIndexedInfo    uint16 = RegionFtpReqBase + 0
	KeyRequestFileInfo           uint16 = RegionFtpReqBase + 1
	KeyRequestFileReadStart      uint16 = RegionFtpReqBase + 2
	KeyRequestFileReadSegment    uint16 = RegionFtpReqBase + 3
	KeyRequestFileWriteStart     uint16 = RegionFtpReqBase + 4
	KeyRequestFileWriteSegment   uint16 = RegionFtpReqBase + 5
	KeyRequestFileDelete         uint16 = RegionFtpReqBase + 6
	KeyRequestFileTransferDone   uint16 = RegionFtpReqBase + 7

	// FTP responses (8170..8191).
	KeyResponseFileIndexedInfo  uint16 = RegionFtpRespBase + 0
	KeyResponseFileInfo         uint16 = RegionFtpRespBase + 1
	KeyResponseFileReadStart    uint16 = RegionFtpRespBase + 2
	KeyResponseFileReadSegment  uint16 = RegionFtpRespBase + 3
	KeyResponseFileWriteStart   uint16 = RegionFtpRespBase + 4
	KeyResponseFileWriteSegment uint16 = RegionFtpRespBase + 5
	KeyResponseFileDelete       uint16 = RegionFtpRespBase + 6
	KeyResponseFtpClientError   uint16 = RegionFtpRespBase + 7
	KeyResponseFileNotFound     uint16 = RegionFtpRespBase + 8
	KeyResponseFtpDiskFull      uint16 = RegionFtpRespBase + 9
	KeyResponseFtpServerBusy    uint16 = RegionFtpRespBase + 10

	// Indexed sequencer dispatch base (8150..8159): key = base + sequencer index.
	KeyIndexedSequencerBase uint16 = RegionSeqBase

	// Reserved local-variable ids for sequencer dispatch, never available to
	// equation/pattern authoring: addressed at a sequencer's pseudo-address
	// (AddrSequencerBase + index), never broadcast as-is.
	KeyTokenSequencerSync               uint16 = 1 // value = running root pattern enumeration
	KeyTokenSequencerSyncRange          uint16 = 2 // value = bottom(low16) | top(high16)
	KeyTokenSequencerPattern            uint16 = 3 // value = pattern enumeration, 0 = stop
	KeyTokenSequencerIntensity          uint16 = 4 // value = output intensity 0..100
	KeyIndexedTokenSequencerWithPattern uint16 = 5 // value = pattern<<16 | intensity<<8 | sequencer index

	// Common-key modes for a pattern's per-step token, used instead of a
	// compressed multi-token stream when the pattern header selects one.
	KeyStepMethodDictionaryKey uint16 = RegionNamed1Base + RegionNamed1Size - 1
	KeyLedMatrixMessage        uint16 = RegionNamed4Base + RegionNamed4Size - 1
)

// MakeKey composes a full 16-bit key from a prefix and a 13-bit region id.
func MakeKey(p Prefix, id uint16) uint16 {
	return uint16(p)<<prefixShift | (id & keyMask)
}

// Pseudo-addresses. Addresses >= 128 never appear on the wire; they name
// internal collaborators for the host token callback.
const (
	AddrEquationProcessor uint8 = 132
	AddrSequencerBase     uint8 = 133 // sequencers 0..5 -> 133..138
	AddrBroadcast         uint8 = 0
)

// NumSequencers is the number of pattern sequencers a node runs concurrently.
const NumSequencers = 6
