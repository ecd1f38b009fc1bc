package ptpacket

// Handler receives one callback per decoded packet. Implementations return
// an error to abort the current Decode call; the decoder wraps any such
// error as a pterr.Error with Kind == pterr.PacketHandler.
type Handler interface {
	OnPad(c *Cursor) error
	OnTIP(c *Cursor, ip IPPayload) error
	OnTIPPGD(c *Cursor, ip IPPayload) error
	OnTIPPGE(c *Cursor, ip IPPayload) error
	OnFUP(c *Cursor, ip IPPayload) error
	OnShortTNT(c *Cursor, bits uint8, count int) error
	OnLongTNT(c *Cursor, bits uint64, count int) error
	OnCYC(c *Cursor, value uint64) error
	OnTSC(c *Cursor, value uint64) error
	OnMTC(c *Cursor, ctc uint8) error
	OnMODE(c *Cursor, leaf, payload uint8) error
	OnCBR(c *Cursor, ratio uint8) error
	OnPTW(c *Cursor, ptw PTWPayload) error
	OnCFE(c *Cursor, typ uint8, vector uint8, ip bool) error
	OnPWRE(c *Cursor, payload uint16) error
	OnPSBEND(c *Cursor) error
	OnBEP(c *Cursor) error
	OnPIP(c *Cursor, cr3 uint64, nr bool) error
	OnEVD(c *Cursor, typ uint8, payload uint64) error
	OnEXSTOP(c *Cursor, ip bool) error
	OnBBP(c *Cursor, class uint8) error
	OnTMA(c *Cursor, ctc uint16, fc uint16) error
	OnPSB(c *Cursor) error
	OnTraceStop(c *Cursor) error
	OnPWRX(c *Cursor, lastCState, deepestCState, wakeReason uint8) error
	OnMWAIT(c *Cursor, hints, extensions uint32) error
	OnVMCS(c *Cursor, baseAddr uint64) error
	OnOVF(c *Cursor) error
	OnMNT(c *Cursor, payload uint64) error
}

// NopHandler implements Handler with no-op methods. Embed it in a concrete
// handler and override only the packet kinds that handler cares about, the
// way grpc's Unimplemented*Server embeddings work.
type NopHandler struct{}

func (NopHandler) OnPad(*Cursor) error                                   { return nil }
func (NopHandler) OnTIP(*Cursor, IPPayload) error                        { return nil }
func (NopHandler) OnTIPPGD(*Cursor, IPPayload) error                     { return nil }
func (NopHandler) OnTIPPGE(*Cursor, IPPayload) error                     { return nil }
func (NopHandler) OnFUP(*Cursor, IPPayload) error                        { return nil }
func (NopHandler) OnShortTNT(*Cursor, uint8, int) error                  { return nil }
func (NopHandler) OnLongTNT(*Cursor, uint64, int) error                  { return nil }
func (NopHandler) OnCYC(*Cursor, uint64) error                           { return nil }
func (NopHandler) OnTSC(*Cursor, uint64) error                           { return nil }
func (NopHandler) OnMTC(*Cursor, uint8) error                            { return nil }
func (NopHandler) OnMODE(*Cursor, uint8, uint8) error                    { return nil }
func (NopHandler) OnCBR(*Cursor, uint8) error                            { return nil }
func (NopHandler) OnPTW(*Cursor, PTWPayload) error                       { return nil }
func (NopHandler) OnCFE(*Cursor, uint8, uint8, bool) error               { return nil }
func (NopHandler) OnPWRE(*Cursor, uint16) error                          { return nil }
func (NopHandler) OnPSBEND(*Cursor) error                                { return nil }
func (NopHandler) OnBEP(*Cursor) error                                   { return nil }
func (NopHandler) OnPIP(*Cursor, uint64, bool) error                     { return nil }
func (NopHandler) OnEVD(*Cursor, uint8, uint64) error                    { return nil }
func (NopHandler) OnEXSTOP(*Cursor, bool) error                          { return nil }
func (NopHandler) OnBBP(*Cursor, uint8) error                            { return nil }
func (NopHandler) OnTMA(*Cursor, uint16, uint16) error                   { return nil }
func (NopHandler) OnPSB(*Cursor) error                                   { return nil }
func (NopHandler) OnTraceStop(*Cursor) error                             { return nil }
func (NopHandler) OnPWRX(*Cursor, uint8, uint8, uint8) error             { return nil }
func (NopHandler) OnMWAIT(*Cursor, uint32, uint32) error                 { return nil }
func (NopHandler) OnVMCS(*Cursor, uint64) error                          { return nil }
func (NopHandler) OnOVF(*Cursor) error                                   { return nil }
func (NopHandler) OnMNT(*Cursor, uint64) error                           { return nil }

var _ Handler = NopHandler{}
