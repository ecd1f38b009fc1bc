// Package ptpacket implements the Intel Processor Trace packet decoder:
// Level-1/Level-2 opcode dispatch over a raw trace byte stream, IP-payload
// reconstruction, and the Handler callback contract consumers implement to
// receive decoded packets.
package ptpacket

import "fmt"

// TraceeMode records the addressing mode of the traced process, since IP
// payload widths and instruction decode both depend on it.
type TraceeMode int

const (
	Mode16 TraceeMode = iota
	Mode32
	Mode64
)

// Options configures a single Decode call.
type Options struct {
	TraceeMode TraceeMode
	// Sync, if true, requires the decoder to scan forward for a PSB pattern
	// before accepting any packet; if no PSB is ever found the decode fails
	// with pterr.NoPsb. If false, the stream is assumed already synchronized
	// at offset 0 (e.g. resuming a previous decode).
	Sync bool
}

// Cursor tracks per-decode mutable state: the current read offset and the
// tracee mode, which MODE packets may update mid-stream.
type Cursor struct {
	Offset int
	Mode   TraceeMode
}

// PacketKind enumerates every packet this decoder recognizes, plus two
// unexported bookkeeping kinds that the decoder never reports.
type PacketKind int

const (
	KindPad PacketKind = iota
	KindTIP
	KindTIPPGD
	KindTIPPGE
	KindFUP
	KindShortTNT
	KindLongTNT
	KindCYC
	KindTSC
	KindMTC
	KindMODE
	KindCBR
	KindPTW
	KindCFE
	KindPWRE
	KindPSBEND
	KindBEP
	KindPIP
	KindEVD
	KindEXSTOP
	KindBBP
	KindTMA
	KindPSB
	KindTraceStop
	KindPWRX
	KindMWAIT
	KindVMCS
	KindOVF
	KindMNT

	kindNotSync
	kindBadSequence
)

func (k PacketKind) String() string {
	names := [...]string{
		"PAD", "TIP", "TIP.PGD", "TIP.PGE", "FUP", "TNT.short", "TNT.long",
		"CYC", "TSC", "MTC", "MODE", "CBR", "PTW", "CFE", "PWRE", "PSBEND",
		"BEP", "PIP", "EVD", "EXSTOP", "BBP", "TMA", "PSB", "TraceStop",
		"PWRX", "MWAIT", "VMCS", "OVF", "MNT", "<not-sync>", "<bad-sequence>",
	}
	if int(k) < 0 || int(k) >= len(names) {
		return "<unknown>"
	}
	return names[k]
}

// IPKind identifies which of the six IP-reconstruction encodings a TIP/FUP
// payload used.
type IPKind int

const (
	IPOutOfContext IPKind = iota
	IPTwoBytes
	IPFourBytes
	IPSixBytesExt
	IPSixBytes
	IPEightBytes
)

// IPPayload is the raw (pattern, payload) pair carried by a TIP/TIP.PGD/
// TIP.PGE/FUP packet, before it is combined with the analyzer's running
// last-IP value.
type IPPayload struct {
	Kind    IPKind
	Payload uint64
}

// PTWKind distinguishes the two PTW payload widths.
type PTWKind int

const (
	PTWFourBytes PTWKind = iota
	PTWEightBytes
)

// PTWPayload carries a decoded PTW packet's payload plan and value.
type PTWPayload struct {
	Kind    PTWKind
	PlanNum uint8
	Payload uint64
}

// ReconstructIP combines an IPPayload with the analyzer's previous IP,
// returning the new IP and whether the context is known (false for
// IPOutOfContext, in which case lastIP is left unchanged).
func ReconstructIP(payload IPPayload, lastIP uint64) (newIP uint64, known bool) {
	switch payload.Kind {
	case IPOutOfContext:
		return lastIP, false
	case IPTwoBytes:
		return (lastIP & 0xFFFFFFFFFFFF0000) | payload.Payload, true
	case IPFourBytes:
		return (lastIP & 0xFFFFFFFF00000000) | payload.Payload, true
	case IPSixBytesExt:
		signExtended := uint64(int64(payload.Payload<<16) >> 16)
		return signExtended, true
	case IPSixBytes:
		return (lastIP & 0xFFFF000000000000) | payload.Payload, true
	case IPEightBytes:
		return payload.Payload, true
	default:
		panic(fmt.Sprintf("ptpacket: unknown IPKind %d", payload.Kind))
	}
}
