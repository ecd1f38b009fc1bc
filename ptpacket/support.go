package ptpacket

// CountingHandler wraps another Handler and tallies packets by kind, for
// diagnostics CLIs like ptdump's --stats flag.
type CountingHandler struct {
	Handler
	Counts map[PacketKind]int
}

// NewCountingHandler returns a CountingHandler delegating every callback to
// next after incrementing its tally.
func NewCountingHandler(next Handler) *CountingHandler {
	if next == nil {
		next = NopHandler{}
	}
	return &CountingHandler{Handler: next, Counts: make(map[PacketKind]int)}
}

func (c *CountingHandler) count(k PacketKind) { c.Counts[k]++ }

func (c *CountingHandler) OnPad(cur *Cursor) error { c.count(KindPad); return c.Handler.OnPad(cur) }
func (c *CountingHandler) OnTIP(cur *Cursor, ip IPPayload) error {
	c.count(KindTIP)
	return c.Handler.OnTIP(cur, ip)
}
func (c *CountingHandler) OnTIPPGD(cur *Cursor, ip IPPayload) error {
	c.count(KindTIPPGD)
	return c.Handler.OnTIPPGD(cur, ip)
}
func (c *CountingHandler) OnTIPPGE(cur *Cursor, ip IPPayload) error {
	c.count(KindTIPPGE)
	return c.Handler.OnTIPPGE(cur, ip)
}
func (c *CountingHandler) OnFUP(cur *Cursor, ip IPPayload) error {
	c.count(KindFUP)
	return c.Handler.OnFUP(cur, ip)
}
func (c *CountingHandler) OnShortTNT(cur *Cursor, bits uint8, n int) error {
	c.count(KindShortTNT)
	return c.Handler.OnShortTNT(cur, bits, n)
}
func (c *CountingHandler) OnLongTNT(cur *Cursor, bits uint64, n int) error {
	c.count(KindLongTNT)
	return c.Handler.OnLongTNT(cur, bits, n)
}
func (c *CountingHandler) OnCYC(cur *Cursor, v uint64) error {
	c.count(KindCYC)
	return c.Handler.OnCYC(cur, v)
}
func (c *CountingHandler) OnTSC(cur *Cursor, v uint64) error {
	c.count(KindTSC)
	return c.Handler.OnTSC(cur, v)
}
func (c *CountingHandler) OnMTC(cur *Cursor, ctc uint8) error {
	c.count(KindMTC)
	return c.Handler.OnMTC(cur, ctc)
}
func (c *CountingHandler) OnMODE(cur *Cursor, leaf, payload uint8) error {
	c.count(KindMODE)
	return c.Handler.OnMODE(cur, leaf, payload)
}
func (c *CountingHandler) OnCBR(cur *Cursor, ratio uint8) error {
	c.count(KindCBR)
	return c.Handler.OnCBR(cur, ratio)
}
func (c *CountingHandler) OnPTW(cur *Cursor, p PTWPayload) error {
	c.count(KindPTW)
	return c.Handler.OnPTW(cur, p)
}
func (c *CountingHandler) OnCFE(cur *Cursor, typ, vector uint8, ip bool) error {
	c.count(KindCFE)
	return c.Handler.OnCFE(cur, typ, vector, ip)
}
func (c *CountingHandler) OnPWRE(cur *Cursor, payload uint16) error {
	c.count(KindPWRE)
	return c.Handler.OnPWRE(cur, payload)
}
func (c *CountingHandler) OnPSBEND(cur *Cursor) error {
	c.count(KindPSBEND)
	return c.Handler.OnPSBEND(cur)
}
func (c *CountingHandler) OnBEP(cur *Cursor) error {
	c.count(KindBEP)
	return c.Handler.OnBEP(cur)
}
func (c *CountingHandler) OnPIP(cur *Cursor, cr3 uint64, nr bool) error {
	c.count(KindPIP)
	return c.Handler.OnPIP(cur, cr3, nr)
}
func (c *CountingHandler) OnEVD(cur *Cursor, typ uint8, payload uint64) error {
	c.count(KindEVD)
	return c.Handler.OnEVD(cur, typ, payload)
}
func (c *CountingHandler) OnEXSTOP(cur *Cursor, ip bool) error {
	c.count(KindEXSTOP)
	return c.Handler.OnEXSTOP(cur, ip)
}
func (c *CountingHandler) OnBBP(cur *Cursor, class uint8) error {
	c.count(KindBBP)
	return c.Handler.OnBBP(cur, class)
}
func (c *CountingHandler) OnTMA(cur *Cursor, ctc, fc uint16) error {
	c.count(KindTMA)
	return c.Handler.OnTMA(cur, ctc, fc)
}
func (c *CountingHandler) OnPSB(cur *Cursor) error {
	c.count(KindPSB)
	return c.Handler.OnPSB(cur)
}
func (c *CountingHandler) OnTraceStop(cur *Cursor) error {
	c.count(KindTraceStop)
	return c.Handler.OnTraceStop(cur)
}
func (c *CountingHandler) OnPWRX(cur *Cursor, last, deepest, reason uint8) error {
	c.count(KindPWRX)
	return c.Handler.OnPWRX(cur, last, deepest, reason)
}
func (c *CountingHandler) OnMWAIT(cur *Cursor, hints, ext uint32) error {
	c.count(KindMWAIT)
	return c.Handler.OnMWAIT(cur, hints, ext)
}
func (c *CountingHandler) OnVMCS(cur *Cursor, base uint64) error {
	c.count(KindVMCS)
	return c.Handler.OnVMCS(cur, base)
}
func (c *CountingHandler) OnOVF(cur *Cursor) error {
	c.count(KindOVF)
	return c.Handler.OnOVF(cur)
}
func (c *CountingHandler) OnMNT(cur *Cursor, payload uint64) error {
	c.count(KindMNT)
	return c.Handler.OnMNT(cur, payload)
}

var _ Handler = (*CountingHandler)(nil)

// combinedHandler fans every callback out to a fixed list of handlers,
// stopping at (and returning) the first error.
type combinedHandler struct {
	handlers []Handler
}

// Combine returns a Handler that forwards every callback to each of
// handlers in order, short-circuiting on the first error.
func Combine(handlers ...Handler) Handler {
	return &combinedHandler{handlers: handlers}
}

func (c *combinedHandler) each(fn func(Handler) error) error {
	for _, h := range c.handlers {
		if err := fn(h); err != nil {
			return err
		}
	}
	return nil
}

func (c *combinedHandler) OnPad(cur *Cursor) error { return c.each(func(h Handler) error { return h.OnPad(cur) }) }
func (c *combinedHandler) OnTIP(cur *Cursor, ip IPPayload) error {
	return c.each(func(h Handler) error { return h.OnTIP(cur, ip) })
}
func (c *combinedHandler) OnTIPPGD(cur *Cursor, ip IPPayload) error {
	return c.each(func(h Handler) error { return h.OnTIPPGD(cur, ip) })
}
func (c *combinedHandler) OnTIPPGE(cur *Cursor, ip IPPayload) error {
	return c.each(func(h Handler) error { return h.OnTIPPGE(cur, ip) })
}
func (c *combinedHandler) OnFUP(cur *Cursor, ip IPPayload) error {
	return c.each(func(h Handler) error { return h.OnFUP(cur, ip) })
}
func (c *combinedHandler) OnShortTNT(cur *Cursor, bits uint8, n int) error {
	return c.each(func(h Handler) error { return h.OnShortTNT(cur, bits, n) })
}
func (c *combinedHandler) OnLongTNT(cur *Cursor, bits uint64, n int) error {
	return c.each(func(h Handler) error { return h.OnLongTNT(cur, bits, n) })
}
func (c *combinedHandler) OnCYC(cur *Cursor, v uint64) error {
	return c.each(func(h Handler) error { return h.OnCYC(cur, v) })
}
func (c *combinedHandler) OnTSC(cur *Cursor, v uint64) error {
	return c.each(func(h Handler) error { return h.OnTSC(cur, v) })
}
func (c *combinedHandler) OnMTC(cur *Cursor, ctc uint8) error {
	return c.each(func(h Handler) error { return h.OnMTC(cur, ctc) })
}
func (c *combinedHandler) OnMODE(cur *Cursor, leaf, payload uint8) error {
	return c.each(func(h Handler) error { return h.OnMODE(cur, leaf, payload) })
}
func (c *combinedHandler) OnCBR(cur *Cursor, ratio uint8) error {
	return c.each(func(h Handler) error { return h.OnCBR(cur, ratio) })
}
func (c *combinedHandler) OnPTW(cur *Cursor, p PTWPayload) error {
	return c.each(func(h Handler) error { return h.OnPTW(cur, p) })
}
func (c *combinedHandler) OnCFE(cur *Cursor, typ, vector uint8, ip bool) error {
	return c.each(func(h Handler) error { return h.OnCFE(cur, typ, vector, ip) })
}
func (c *combinedHandler) OnPWRE(cur *Cursor, payload uint16) error {
	return c.each(func(h Handler) error { return h.OnPWRE(cur, payload) })
}
func (c *combinedHandler) OnPSBEND(cur *Cursor) error {
	return c.each(func(h Handler) error { return h.OnPSBEND(cur) })
}
func (c *combinedHandler) OnBEP(cur *Cursor) error {
	return c.each(func(h Handler) error { return h.OnBEP(cur) })
}
func (c *combinedHandler) OnPIP(cur *Cursor, cr3 uint64, nr bool) error {
	return c.each(func(h Handler) error { return h.OnPIP(cur, cr3, nr) })
}
func (c *combinedHandler) OnEVD(cur *Cursor, typ uint8, payload uint64) error {
	return c.each(func(h Handler) error { return h.OnEVD(cur, typ, payload) })
}
func (c *combinedHandler) OnEXSTOP(cur *Cursor, ip bool) error {
	return c.each(func(h Handler) error { return h.OnEXSTOP(cur, ip) })
}
func (c *combinedHandler) OnBBP(cur *Cursor, class uint8) error {
	return c.each(func(h Handler) error { return h.OnBBP(cur, class) })
}
func (c *combinedHandler) OnTMA(cur *Cursor, ctc, fc uint16) error {
	return c.each(func(h Handler) error { return h.OnTMA(cur, ctc, fc) })
}
func (c *combinedHandler) OnPSB(cur *Cursor) error {
	return c.each(func(h Handler) error { return h.OnPSB(cur) })
}
func (c *combinedHandler) OnTraceStop(cur *Cursor) error {
	return c.each(func(h Handler) error { return h.OnTraceStop(cur) })
}
func (c *combinedHandler) OnPWRX(cur *Cursor, last, deepest, reason uint8) error {
	return c.each(func(h Handler) error { return h.OnPWRX(cur, last, deepest, reason) })
}
func (c *combinedHandler) OnMWAIT(cur *Cursor, hints, ext uint32) error {
	return c.each(func(h Handler) error { return h.OnMWAIT(cur, hints, ext) })
}
func (c *combinedHandler) OnVMCS(cur *Cursor, base uint64) error {
	return c.each(func(h Handler) error { return h.OnVMCS(cur, base) })
}
func (c *combinedHandler) OnOVF(cur *Cursor) error {
	return c.each(func(h Handler) error { return h.OnOVF(cur) })
}
func (c *combinedHandler) OnMNT(cur *Cursor, payload uint64) error {
	return c.each(func(h Handler) error { return h.OnMNT(cur, payload) })
}

var _ Handler = (*combinedHandler)(nil)
