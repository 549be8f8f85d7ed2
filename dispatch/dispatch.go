// Package dispatch is the Request Dispatcher: the heart of the emulator.
// It drains the per-vCPU synchronous slots and the shared-producer
// buffered ring, turns each request into a Registry lookup and a Handler
// call, and completes synchronous requests with the state transitions and
// port notification the hypervisor's hand-off protocol requires.
//
// Grounded on core_engine's vcpu.go Run loop (read one exit record, switch
// on its kind, call into the VM's handler, log and continue on error) —
// generalized from "one KVM_RUN ioctl per vCPU, per exit" to "one ioreq
// slot per vCPU, per event-port signal", and from a single exit-reason
// switch to the width-fallthrough and rep-access expansion the Xen ioreq
// ABI requires that KVM's port I/O exit never did.
package dispatch

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/weichen81/xenioreqd/hypervisor"
	"github.com/weichen81/xenioreqd/internal/xlog"
	"github.com/weichen81/xenioreqd/mapcache"
	"github.com/weichen81/xenioreqd/registry"
)

// Dispatcher owns the two ring consumers. It is not goroutine-safe: both
// DispatchVCPU and DispatchBuffered must be called from the same goroutine
// that owns the Registry and the Cache, per the spec's single-dispatch-
// thread concurrency model.
type Dispatcher struct {
	transport hypervisor.Transport
	registry  *registry.Registry
	cache     *mapcache.Cache
	shared    *hypervisor.SharedIOPage
	buffered  *hypervisor.BufferedIOPage
	localPort []hypervisor.EvtchnPort
	log       *logrus.Entry
}

// New builds a Dispatcher. localPort maps vCPU index to its bound local
// event-channel port, as allocated by the Sequencer's PORTS_BOUND step.
func New(transport hypervisor.Transport, reg *registry.Registry, cache *mapcache.Cache, shared *hypervisor.SharedIOPage, buffered *hypervisor.BufferedIOPage, localPort []hypervisor.EvtchnPort) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		registry:  reg,
		cache:     cache,
		shared:    shared,
		buffered:  buffered,
		localPort: localPort,
		log:       xlog.For("dispatch"),
	}
}

// LocalPorts returns the vCPU-index -> local event-channel port mapping
// passed to New, for callers that need to match a signalled port back to
// its vCPU.
func (d *Dispatcher) LocalPorts() []hypervisor.EvtchnPort { return d.localPort }

// DispatchVCPU services one vCPU's synchronous slot. No-op if the slot
// isn't READY (spurious wakeup, or the hypervisor hasn't finished writing
// the request yet).
func (d *Dispatcher) DispatchVCPU(vcpu int) {
	req := d.shared.Slot(vcpu)

	// Acquire: must observe READY before reading any other field.
	if req.State() != hypervisor.StateReady {
		return
	}
	req.SetState(hypervisor.StateInProcess)

	d.handleIOReq(req)

	// Release: every effect of handleIOReq (including guest-memory writes
	// through the map cache) must be visible before RESP_READY is, since
	// the hypervisor treats state as the sole hand-off token.
	req.SetState(hypervisor.StateRespReady)

	if vcpu < len(d.localPort) {
		if err := d.transport.Notify(d.localPort[vcpu]); err != nil {
			d.log.WithError(err).Warnf("notify vcpu=%d port", vcpu)
		}
	}
}

// DispatchBuffered drains the buffered ring until read_pointer catches up
// with write_pointer, re-snapshotting write_pointer after each full drain
// since the hypervisor may have produced more while this one ran.
func (d *Dispatcher) DispatchBuffered() {
	for {
		// Acquire: snapshot write_pointer before reading any slot data.
		writePointer := d.buffered.WritePointer.Load()
		readPointer := d.buffered.ReadPointer.Load()

		if readPointer == writePointer {
			return
		}

		if writePointer-readPointer > hypervisor.BufferedIOReqSlotNum {
			d.log.Warnf("buffered ring overflow: write=%d read=%d slots=%d, clamping",
				writePointer, readPointer, hypervisor.BufferedIOReqSlotNum)
			readPointer = writePointer - hypervisor.BufferedIOReqSlotNum
		}

		for readPointer != writePointer {
			slot := &d.buffered.Slots[readPointer%hypervisor.BufferedIOReqSlotNum]

			req := &hypervisor.IOReq{
				Addr:      uint64(slot.Addr()),
				Data:      uint64(slot.Data()),
				Count:     1,
				Size:      1 << slot.SizeLog2(),
				Dir:       slot.Dir(),
				Df:        true,
				DataIsPtr: false,
				Type:      hypervisor.IOReqType(slot.Type()),
			}
			readPointer++

			if req.Size == 8 {
				hi := &d.buffered.Slots[readPointer%hypervisor.BufferedIOReqSlotNum]
				req.Data |= uint64(hi.Data()) << 32
				readPointer++
			}

			d.handleIOReq(req)
		}

		// Release: publish read_pointer only after every consumed slot's
		// effects are committed.
		d.buffered.ReadPointer.Store(readPointer)
	}
}

// handleIOReq routes one fully-formed request to its registry kind and
// invokes (or synthesizes) the handler call(s) it implies.
func (d *Dispatcher) handleIOReq(req *hypervisor.IOReq) {
	switch req.Type {
	case hypervisor.IOReqTypePIO:
		d.dispatchCopy(registry.KindPIO, req, req.Addr)
	case hypervisor.IOReqTypeCopy:
		d.dispatchCopy(registry.KindMMIO, req, req.Addr)
	case hypervisor.IOReqTypePCIConfig:
		d.dispatchPCIConfig(req)
	case hypervisor.IOReqTypeInvalidate:
		d.cache.Invalidate()
	case hypervisor.IOReqTypeTimeoffset:
		d.log.Debug("ignoring TIMEOFFSET request")
	default:
		d.log.Debugf("ignoring unknown ioreq type %d", req.Type)
	}
}

// decodePCIConfig unpacks the hypervisor's packed PCI-config addr/size
// encoding: bdf = addr >> 8, reg = (addr & 0xff) + (size >> 16), and the
// real transfer size is size & 0xffff.
func decodePCIConfig(addr uint64, size uint32) (bdf hypervisor.PCIBDF, reg uint32, realSize uint32) {
	bdf = hypervisor.PCIBDF(addr >> 8)
	reg = uint32(addr&0xff) + (size >> 16)
	realSize = size & 0xffff
	return
}

func (d *Dispatcher) dispatchPCIConfig(req *hypervisor.IOReq) {
	bdf, reg, size := decodePCIConfig(req.Addr, req.Size)
	entry := d.registry.Find(registry.KindPCIConfig, uint64(bdf))
	if entry == nil {
		d.noopFill(req)
		return
	}
	d.runOn(entry, req, reg, size)
}

func (d *Dispatcher) dispatchCopy(kind registry.Kind, req *hypervisor.IOReq, addr uint64) {
	entry := d.registry.Find(kind, addr)
	if entry == nil {
		d.noopFill(req)
		return
	}

	if !req.DataIsPtr {
		d.runOn(entry, req, addr, req.Size)
		return
	}

	d.runRep(kind, entry, req)
}

// noopFill matches spec: unmatched reads return zero-filled data (the
// "all-ones-equivalent" the guest would see from an unmapped range in most
// real hardware is device-specific; a deterministic zero is what no-op
// handlers without hardware semantics can promise), writes are discarded.
func (d *Dispatcher) noopFill(req *hypervisor.IOReq) {
	if req.Dir == hypervisor.DirRead && !req.DataIsPtr {
		req.Data = 0
	}
}

// runOn invokes entry's handler for one size-byte access at addr,
// synthesizing the call from narrower native widths if the handler doesn't
// offer the requested width directly.
func (d *Dispatcher) runOn(entry *registry.Entry, req *hypervisor.IOReq, addr uint64, size uint32) {
	data := make([]byte, size)
	if req.Dir == hypervisor.DirWrite {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], req.Data)
		copy(data, buf[:])
	}

	if err := d.invoke(entry, addr, req.Dir, data); err != nil {
		d.log.WithError(err).Warnf("handler error addr=0x%x size=%d", addr, size)
		d.noopFill(req)
		return
	}

	if req.Dir == hypervisor.DirRead {
		var buf [8]byte
		copy(buf[:], data)
		req.Data = binary.LittleEndian.Uint64(buf[:])
	}
}

// invoke calls entry's Handler, preferring a matching native width and
// falling through to narrower ops the way spec.md §4.3 describes: a
// missing word op becomes two byte ops, a missing long op becomes two word
// ops or four byte ops, assembled/disassembled little-endian.
func (d *Dispatcher) invoke(entry *registry.Entry, addr uint64, dir registry.Direction, data []byte) error {
	wh, ok := entry.Handler.(registry.WidthHandler)
	if !ok {
		return entry.Handler.HandleIO(addr, dir, data, entry.Opaque)
	}

	switch len(data) {
	case 1:
		if handled, err := wh.HandleByte(addr, dir, data, entry.Opaque); handled || err != nil {
			return err
		}
		return entry.Handler.HandleIO(addr, dir, data, entry.Opaque)
	case 2:
		if handled, err := wh.HandleWord(addr, dir, data, entry.Opaque); handled || err != nil {
			return err
		}
		return widenByWidth(addr, dir, data, entry.Opaque, 1, wh.HandleByte)
	case 4:
		if handled, err := wh.HandleLong(addr, dir, data, entry.Opaque); handled || err != nil {
			return err
		}
		if ok, err := splitWords(addr, dir, data, entry.Opaque, wh.HandleWord); ok || err != nil {
			return err
		}
		return widenByWidth(addr, dir, data, entry.Opaque, 1, wh.HandleByte)
	default:
		return entry.Handler.HandleIO(addr, dir, data, entry.Opaque)
	}
}

// splitWords synthesizes a missing long op from two word ops, low word
// first. Both halves must be handled natively for this fallback to count
// as having serviced the access; a partial match falls through to byte
// ops instead so no data is silently dropped.
func splitWords(addr uint64, dir registry.Direction, data []byte, opaque any, handleWord func(uint64, registry.Direction, []byte, any) (bool, error)) (bool, error) {
	lowOK, err := handleWord(addr, dir, data[0:2], opaque)
	if err != nil {
		return false, err
	}
	highOK, err := handleWord(addr+2, dir, data[2:4], opaque)
	if err != nil {
		return false, err
	}
	return lowOK && highOK, nil
}

// widenByWidth issues len(data)/stride calls of width stride at addr,
// addr+stride, addr+2*stride, ... assembling reads / disassembling writes
// little-endian, per spec.md §4.3's width fall-through rule.
func widenByWidth(addr uint64, dir registry.Direction, data []byte, opaque any, stride int, op func(uint64, registry.Direction, []byte, any) (bool, error)) error {
	for i := 0; i < len(data); i += stride {
		chunk := data[i : i+stride]
		if _, err := op(addr+uint64(i), dir, chunk, opaque); err != nil {
			return err
		}
	}
	return nil
}

// runRep executes a rep-string access: data is a guest pointer, repeated
// count times with the given stride (negated when df is set). For MMIO the
// device address also advances each iteration; for PIO it stays fixed.
func (d *Dispatcher) runRep(kind registry.Kind, entry *registry.Entry, req *hypervisor.IOReq) {
	stride := int64(req.Size)
	if req.Df {
		stride = -stride
	}

	guestAddr := req.Data
	ioAddr := req.Addr

	for i := uint32(0); i < req.Count; i++ {
		d.runRepOne(entry, req, ioAddr, guestAddr)

		guestAddr = addSigned(guestAddr, stride)
		if kind == registry.KindMMIO {
			ioAddr = addSigned(ioAddr, stride)
		}
	}
}

func addSigned(base uint64, delta int64) uint64 {
	if delta >= 0 {
		return base + uint64(delta)
	}
	return base - uint64(-delta)
}

// runRepOne performs one iteration of a rep access: copy req.Size bytes
// between the device handler and the guest page at guestAddr via the map
// cache. A single iteration never spans a page boundary (guaranteed by the
// hypervisor), so one cache lookup always suffices.
func (d *Dispatcher) runRepOne(entry *registry.Entry, req *hypervisor.IOReq, ioAddr, guestAddr uint64) {
	const pageSize = 4096
	pfn := guestAddr / pageSize
	off := guestAddr % pageSize

	page, err := d.cache.Lookup(pfn)
	if err != nil {
		// Nothing to write into: the guest page itself couldn't be
		// mapped, so there is no destination for a fill value either.
		d.log.WithError(err).Warnf("rep access: map guest pfn=0x%x failed", pfn)
		return
	}

	guestBytes := page[off : off+uint64(req.Size)]

	if req.Dir == hypervisor.DirWrite {
		data := append([]byte(nil), guestBytes...)
		if err := d.invoke(entry, ioAddr, req.Dir, data); err != nil {
			d.log.WithError(err).Warnf("rep write handler error addr=0x%x", ioAddr)
		}
		return
	}

	data := make([]byte, req.Size)
	if err := d.invoke(entry, ioAddr, req.Dir, data); err != nil {
		d.log.WithError(err).Warnf("rep read handler error addr=0x%x", ioAddr)
		for i := range guestBytes {
			guestBytes[i] = 0xff
		}
		return
	}
	copy(guestBytes, data)
}
