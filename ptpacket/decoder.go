package ptpacket

import (
	"github.com/awmorgan/iptrace/internal/ptlog"
	"github.com/awmorgan/iptrace/pterr"
)

// psbPattern is the 16-byte canonical synchronization marker: eight repeats
// of the two bytes 0x02 0x82.
var psbPattern = func() [16]byte {
	var p [16]byte
	for i := 0; i < 8; i++ {
		p[2*i] = 0x02
		p[2*i+1] = 0x82
	}
	return p
}()

// level1Kind classifies a single opcode byte without looking further ahead.
type level1Kind int

const (
	l1Invalid level1Kind = iota
	l1Pad
	l1Escape
	l1TIP
	l1TIPPGE
	l1TIPPGD
	l1FUP
	l1ShortTNT
	l1CYC
	l1TSC
	l1MTC
	l1Mode
)

type level1Entry struct {
	kind level1Kind
}

var level1Table [256]level1Entry

func init() {
	for i := 0; i < 256; i++ {
		b := byte(i)
		switch {
		case b == 0x00:
			level1Table[i] = level1Entry{l1Pad}
		case b == 0x02:
			level1Table[i] = level1Entry{l1Escape}
		case b == 0x19:
			level1Table[i] = level1Entry{l1TSC}
		case b == 0x59:
			level1Table[i] = level1Entry{l1MTC}
		case b == 0x99:
			level1Table[i] = level1Entry{l1Mode}
		case b&0x1F == 0x01:
			level1Table[i] = level1Entry{l1TIPPGD}
		case b&0x1F == 0x0D:
			level1Table[i] = level1Entry{l1TIP}
		case b&0x1F == 0x11:
			level1Table[i] = level1Entry{l1TIPPGE}
		case b&0x1F == 0x1D:
			level1Table[i] = level1Entry{l1FUP}
		case b&0x03 == 0x03:
			level1Table[i] = level1Entry{l1CYC}
		case b&0x01 == 0:
			level1Table[i] = level1Entry{l1ShortTNT}
		default:
			level1Table[i] = level1Entry{l1Invalid}
		}
	}
}

// level2Kind classifies the second byte of an escaped (0x02-prefixed) packet.
type level2Kind int

const (
	l2Invalid level2Kind = iota
	l2PSBCandidate
	l2PSBEnd
	l2LongTNT
	l2CBR
	l2PIP
	l2PTW
	l2CFE
	l2PWRE
	l2BEP
	l2EVD
	l2EXSTOP
	l2BBP
	l2TMA
	l2TraceStop
	l2PWRX
	l2MWAIT
	l2VMCS
	l2OVF
	l2MNT
)

var level2Table [256]level2Kind

func init() {
	for i := 0; i < 256; i++ {
		b := byte(i)
		switch {
		case b == 0x03:
			level2Table[i] = l2CBR
		case b&0x1F == 0x12:
			level2Table[i] = l2PTW
		case b == 0x13:
			level2Table[i] = l2CFE
		case b == 0x22:
			level2Table[i] = l2PWRE
		case b == 0x23:
			level2Table[i] = l2PSBEnd
		case b&0x7F == 0x33:
			level2Table[i] = l2BEP
		case b == 0x43:
			level2Table[i] = l2PIP
		case b == 0x53:
			level2Table[i] = l2EVD
		case b&0x7F == 0x62:
			level2Table[i] = l2EXSTOP
		case b == 0x63:
			level2Table[i] = l2BBP
		case b == 0x73:
			level2Table[i] = l2TMA
		case b == 0x82:
			level2Table[i] = l2PSBCandidate
		case b == 0x83:
			level2Table[i] = l2TraceStop
		case b == 0xA2:
			level2Table[i] = l2PWRX
		case b == 0xA3:
			level2Table[i] = l2LongTNT
		case b == 0xC2:
			level2Table[i] = l2MWAIT
		case b == 0xC8:
			level2Table[i] = l2VMCS
		case b == 0xF3:
			level2Table[i] = l2OVF
		case b == 0xC3:
			level2Table[i] = l2MNT
		default:
			level2Table[i] = l2Invalid
		}
	}
}

// Decode drives the byte-dispatch state machine over data, invoking h for
// every packet recognized. It returns the first error encountered, wrapped
// as a *pterr.Error.
func Decode(data []byte, opts Options, h Handler, log ptlog.Logger) error {
	if log == nil {
		log = ptlog.NewNoOpLogger()
	}
	c := &Cursor{Mode: opts.TraceeMode}

	if opts.Sync {
		if !scanForPSB(data, c) {
			return pterr.New(pterr.NoPsb, "ptpacket.Decode")
		}
	}

	for c.Offset < len(data) {
		if err := decodeOne(data, c, h, log); err != nil {
			return err
		}
	}
	return nil
}

// scanForPSB advances c.Offset to the start of the first PSB pattern found
// in data, returning false if none exists.
func scanForPSB(data []byte, c *Cursor) bool {
	for i := 0; i+16 <= len(data); i++ {
		if matchesPSB(data[i : i+16]) {
			c.Offset = i
			return true
		}
	}
	return false
}

func matchesPSB(window []byte) bool {
	for i := 0; i < 16; i++ {
		if window[i] != psbPattern[i] {
			return false
		}
	}
	return true
}

func decodeOne(data []byte, c *Cursor, h Handler, log ptlog.Logger) error {
	if c.Offset >= len(data) {
		return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeOne", c.Offset)
	}
	b := data[c.Offset]
	entry := level1Table[b]

	switch entry.kind {
	case l1Pad:
		c.Offset++
		return wrapHandler(h.OnPad(c))
	case l1Escape:
		return decodeLevel2(data, c, h)
	case l1TIP, l1TIPPGE, l1TIPPGD, l1FUP:
		return decodeIPPacket(data, c, h, entry.kind)
	case l1ShortTNT:
		count, bits := decodeShortTNTHeader(b)
		c.Offset++
		return wrapHandler(h.OnShortTNT(c, bits, count))
	case l1CYC:
		return decodeCYC(data, c, h)
	case l1TSC:
		return decodeTSC(data, c, h)
	case l1MTC:
		return decodeMTC(data, c, h)
	case l1Mode:
		return decodeMode(data, c, h)
	default:
		return pterr.NewAt(pterr.InvalidPacket, "ptpacket.decodeOne", c.Offset)
	}
}

// decodeShortTNTHeader extracts the TNT bits from a short-TNT header byte.
// Bit 0 is always 0 (the packet-family discriminator); bits [7:1] hold a
// stop bit (the highest set bit) followed by up to 6 TNT bits MSB-first
// (everything above the stop bit is not part of the payload).
func decodeShortTNTHeader(b byte) (count int, bits uint8) {
	v := b >> 1
	for i := 6; i >= 0; i-- {
		if v&(1<<uint(i)) != 0 {
			count = i
			bits = v & ((1 << uint(i)) - 1)
			return count, bits
		}
	}
	return 0, 0
}

func ipBytesFromField(field uint8) (IPKind, int, bool) {
	switch field {
	case 0:
		return IPOutOfContext, 0, true
	case 1:
		return IPTwoBytes, 2, true
	case 2:
		return IPFourBytes, 4, true
	case 3:
		return IPSixBytesExt, 6, true
	case 4:
		return IPSixBytes, 6, true
	case 6:
		return IPEightBytes, 8, true
	default:
		return 0, 0, false
	}
}

func readLE(data []byte, off, n int) (uint64, bool) {
	if off+n > len(data) {
		return 0, false
	}
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = (v << 8) | uint64(data[off+i])
	}
	return v, true
}

func decodeIPPacket(data []byte, c *Cursor, h Handler, kind level1Kind) error {
	headerOffset := c.Offset
	b := data[c.Offset]
	field := (b >> 5) & 0x7
	ipKind, n, ok := ipBytesFromField(field)
	if !ok || (n >= 6 && c.Mode != Mode64) {
		return pterr.NewAt(pterr.InvalidPacket, "ptpacket.decodeIPPacket", headerOffset)
	}
	payload, ok := readLE(data, c.Offset+1, n)
	if !ok {
		return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeIPPacket", headerOffset)
	}
	c.Offset += 1 + n
	ip := IPPayload{Kind: ipKind, Payload: payload}

	switch kind {
	case l1TIP:
		return wrapHandler(h.OnTIP(c, ip))
	case l1TIPPGE:
		return wrapHandler(h.OnTIPPGE(c, ip))
	case l1TIPPGD:
		return wrapHandler(h.OnTIPPGD(c, ip))
	case l1FUP:
		return wrapHandler(h.OnFUP(c, ip))
	default:
		return pterr.NewAt(pterr.InvalidPacket, "ptpacket.decodeIPPacket", headerOffset)
	}
}

// decodeCYC reads a CYC packet: a header byte whose low two bits are 11,
// followed by payload bytes up to and including the first one whose bit 0
// (the continuation flag) is clear. The upper 7 bits of each payload byte
// contribute to the value, least significant group first; the header
// byte's own bits are not part of the value.
func decodeCYC(data []byte, c *Cursor, h Handler) error {
	headerOffset := c.Offset
	c.Offset++
	var value uint64
	shift := uint(0)
	for {
		if c.Offset >= len(data) {
			return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeCYC", headerOffset)
		}
		b := data[c.Offset]
		c.Offset++
		value |= uint64(b>>1) << shift
		shift += 7
		if b&0x01 == 0 {
			break
		}
	}
	return wrapHandler(h.OnCYC(c, value))
}

// decodeTSC reads a TSC packet: 1-byte header 0x19 followed by a 7-byte
// little-endian timestamp payload.
func decodeTSC(data []byte, c *Cursor, h Handler) error {
	headerOffset := c.Offset
	v, ok := readLE(data, c.Offset+1, 7)
	if !ok {
		return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeTSC", headerOffset)
	}
	c.Offset += 1 + 7
	return wrapHandler(h.OnTSC(c, v))
}

// decodeMTC reads an MTC packet: 1-byte header 0x59 followed by a 1-byte
// CTC payload.
func decodeMTC(data []byte, c *Cursor, h Handler) error {
	headerOffset := c.Offset
	if c.Offset+1 >= len(data) {
		return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeMTC", headerOffset)
	}
	ctc := data[c.Offset+1]
	c.Offset += 2
	return wrapHandler(h.OnMTC(c, ctc))
}

// decodeMode reads a MODE packet: 1-byte header 0x99 followed by 1 byte
// split leaf_id:3 | mode:5.
func decodeMode(data []byte, c *Cursor, h Handler) error {
	headerOffset := c.Offset
	if c.Offset+1 >= len(data) {
		return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeMode", headerOffset)
	}
	v := data[c.Offset+1]
	c.Offset += 2
	leaf, mode := v>>5, v&0x1F
	if leaf == 0 {
		// MODE.Exec: bits 1:0 select the new addressing mode; the other
		// encodings leave it unchanged.
		switch mode & 0x3 {
		case 0b00:
			c.Mode = Mode16
		case 0b01:
			c.Mode = Mode64
		case 0b10:
			c.Mode = Mode32
		}
	}
	return wrapHandler(h.OnMODE(c, leaf, mode))
}

func decodeLevel2(data []byte, c *Cursor, h Handler) error {
	headerOffset := c.Offset
	if c.Offset+1 >= len(data) {
		return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeLevel2", headerOffset)
	}
	second := data[c.Offset+1]
	kind := level2Table[second]

	if kind == l2PSBCandidate {
		if c.Offset+16 <= len(data) && matchesPSB(data[c.Offset:c.Offset+16]) {
			c.Offset += 16
			return wrapHandler(h.OnPSB(c))
		}
		return pterr.NewAt(pterr.InvalidPacket, "ptpacket.decodeLevel2", headerOffset)
	}

	c.Offset += 2
	switch kind {
	case l2PSBEnd:
		return wrapHandler(h.OnPSBEND(c))
	case l2LongTNT:
		v, ok := readLE(data, c.Offset, 6)
		if !ok {
			return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeLevel2", headerOffset)
		}
		c.Offset += 6
		count, bits := decodeLongTNTPayload(v)
		return wrapHandler(h.OnLongTNT(c, bits, count))
	case l2CBR:
		if c.Offset >= len(data) {
			return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeLevel2", headerOffset)
		}
		ratio := data[c.Offset]
		c.Offset++
		return wrapHandler(h.OnCBR(c, ratio))
	case l2PIP:
		v, ok := readLE(data, c.Offset, 6)
		if !ok {
			return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeLevel2", headerOffset)
		}
		c.Offset += 6
		nr := v&0x1 != 0
		cr3 := v &^ 0x1
		return wrapHandler(h.OnPIP(c, cr3, nr))
	case l2PTW:
		if c.Offset >= len(data) {
			return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeLevel2", headerOffset)
		}
		plan := data[c.Offset]
		c.Offset++
		n := 4
		ptwKind := PTWFourBytes
		if plan&0x10 != 0 {
			n = 8
			ptwKind = PTWEightBytes
		}
		v, ok := readLE(data, c.Offset, n)
		if !ok {
			return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeLevel2", headerOffset)
		}
		c.Offset += n
		return wrapHandler(h.OnPTW(c, PTWPayload{Kind: ptwKind, PlanNum: plan & 0x0F, Payload: v}))
	case l2CFE:
		if c.Offset+1 >= len(data) {
			return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeLevel2", headerOffset)
		}
		typ := data[c.Offset]
		vector := data[c.Offset+1]
		c.Offset += 2
		return wrapHandler(h.OnCFE(c, typ&0x7F, vector, typ&0x80 != 0))
	case l2PWRE:
		v, ok := readLE(data, c.Offset, 2)
		if !ok {
			return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeLevel2", headerOffset)
		}
		c.Offset += 2
		return wrapHandler(h.OnPWRE(c, uint16(v)))
	case l2BEP:
		return wrapHandler(h.OnBEP(c))
	case l2EVD:
		if c.Offset >= len(data) {
			return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeLevel2", headerOffset)
		}
		typ := data[c.Offset]
		c.Offset++
		v, ok := readLE(data, c.Offset, 8)
		if !ok {
			return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeLevel2", headerOffset)
		}
		c.Offset += 8
		return wrapHandler(h.OnEVD(c, typ, v))
	case l2EXSTOP:
		if c.Offset >= len(data) {
			return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeLevel2", headerOffset)
		}
		flag := data[c.Offset]
		c.Offset++
		return wrapHandler(h.OnEXSTOP(c, flag&0x1 != 0))
	case l2BBP:
		if c.Offset >= len(data) {
			return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeLevel2", headerOffset)
		}
		class := data[c.Offset]
		c.Offset++
		return wrapHandler(h.OnBBP(c, class))
	case l2TMA:
		v, ok := readLE(data, c.Offset, 4)
		if !ok {
			return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeLevel2", headerOffset)
		}
		c.Offset += 4
		ctc := uint16(v & 0xFFFF)
		fc := uint16(v >> 16)
		return wrapHandler(h.OnTMA(c, ctc, fc))
	case l2TraceStop:
		return wrapHandler(h.OnTraceStop(c))
	case l2PWRX:
		if c.Offset+4 > len(data) {
			return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeLevel2", headerOffset)
		}
		last, deepest, reason := data[c.Offset], data[c.Offset+1], data[c.Offset+2]
		c.Offset += 4 // includes one reserved byte, per the real PWRX layout
		return wrapHandler(h.OnPWRX(c, last, deepest, reason))
	case l2MWAIT:
		hints, ok1 := readLE(data, c.Offset, 4)
		extensions, ok2 := readLE(data, c.Offset+4, 4)
		if !ok1 || !ok2 {
			return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeLevel2", headerOffset)
		}
		c.Offset += 8
		return wrapHandler(h.OnMWAIT(c, uint32(hints), uint32(extensions)))
	case l2VMCS:
		v, ok := readLE(data, c.Offset, 5)
		if !ok {
			return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeLevel2", headerOffset)
		}
		c.Offset += 5
		return wrapHandler(h.OnVMCS(c, v<<12))
	case l2OVF:
		return wrapHandler(h.OnOVF(c))
	case l2MNT:
		v, ok := readLE(data, c.Offset, 8)
		if !ok {
			return pterr.NewAt(pterr.UnexpectedEOF, "ptpacket.decodeLevel2", headerOffset)
		}
		c.Offset += 8
		return wrapHandler(h.OnMNT(c, v))
	default:
		return pterr.NewAt(pterr.InvalidPacket, "ptpacket.decodeLevel2", headerOffset)
	}
}

// decodeLongTNTPayload extracts the occupancy count and MSB-first-packed
// bits from a 48-bit long-TNT payload: as in the short form, the highest
// set bit is the stop bit and every bit below it is a TNT bit.
func decodeLongTNTPayload(v uint64) (count int, bits uint64) {
	for i := 47; i >= 0; i-- {
		if v&(1<<uint(i)) != 0 {
			return i, v & ((1 << uint(i)) - 1)
		}
	}
	return 0, 0
}

func wrapHandler(err error) error {
	if err == nil {
		return nil
	}
	return pterr.Wrap(pterr.PacketHandler, "ptpacket.Handler", err)
}
