// Package registry is the Address-Space Registry: three independent
// ordered collections of (start, end, handler, opaque) spaces — PIO, MMIO,
// and PCI-config — that device backends register into. It generalizes
// core_engine's devices.IOBus (a single per-port map for x86 PIO) to
// range-based entries across three address kinds, since an ioreq server
// must also route MMIO and PCI-config-space traps.
package registry

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/weichen81/xenioreqd/hypervisor"
	"github.com/weichen81/xenioreqd/internal/xlog"
)

// Direction mirrors hypervisor.IOReqDir at the handler boundary so device
// code doesn't need to import the hypervisor package just to answer
// read-vs-write.
type Direction = hypervisor.IOReqDir

const (
	DirWrite = hypervisor.DirWrite
	DirRead  = hypervisor.DirRead
)

// Handler is the polymorphic callable a device registers. For reads it
// fills data with exactly len(data) bytes; for writes it consumes them.
// Re-entrant with respect to other handlers only because the Dispatcher
// runs everything on one goroutine — Handler itself need not be
// goroutine-safe against concurrent calls to itself.
type Handler interface {
	HandleIO(addr uint64, dir Direction, data []byte, opaque any) error
}

// WidthHandler lets a device expose narrower native widths (byte/word/long)
// alongside, or instead of, the generic Handler. The Dispatcher prefers the
// widest matching native op and synthesizes anything missing by chaining
// into the next narrower one (see dispatch's invoke, splitWords and
// widenByWidth).
type WidthHandler interface {
	Handler
	HandleByte(addr uint64, dir Direction, data []byte, opaque any) (ok bool, err error)
	HandleWord(addr uint64, dir Direction, data []byte, opaque any) (ok bool, err error)
	HandleLong(addr uint64, dir Direction, data []byte, opaque any) (ok bool, err error)
}

// Kind selects which of the three registries an operation addresses.
type Kind int

const (
	KindPIO Kind = iota
	KindMMIO
	KindPCIConfig
)

func (k Kind) String() string {
	switch k {
	case KindPIO:
		return "pio"
	case KindMMIO:
		return "mmio"
	case KindPCIConfig:
		return "pci-config"
	default:
		return "unknown"
	}
}

// Entry is one registered range. For PCI-config, Start == End == the
// encoded BDF.
type Entry struct {
	Start   uint64
	End     uint64
	Handler Handler
	Opaque  any
}

func (e *Entry) contains(addr uint64) bool { return addr >= e.Start && addr <= e.End }

func (e *Entry) overlaps(start, end uint64) bool { return start <= e.End && end >= e.Start }

// ErrOverlap is returned when a registration's range intersects an existing
// entry in the same registry.
var ErrOverlap = fmt.Errorf("registry: range overlaps an existing entry")

// Registry holds the three independent address-space collections and the
// transport handle needed to tell the hypervisor which ranges route here.
type Registry struct {
	transport hypervisor.Transport
	domid     uint16
	ioservid  uint32
	log       *logrus.Entry

	pio    []*Entry
	mmio   []*Entry
	pciCfg []*Entry
}

// New builds a Registry bound to one ioreq server. domid/ioservid come from
// the Sequencer once SERVER_REGISTERED has been reached.
func New(transport hypervisor.Transport, domid uint16, ioservid uint32) *Registry {
	return &Registry{
		transport: transport,
		domid:     domid,
		ioservid:  ioservid,
		log:       xlog.For("registry"),
	}
}

func findOverlap(entries []*Entry, start, end uint64) bool {
	for _, e := range entries {
		if e.overlaps(start, end) {
			return true
		}
	}
	return false
}

// RegisterPort registers a PIO range. Rolls back the local entry if the
// hypervisor refuses to route it.
func (r *Registry) RegisterPort(start uint64, size uint64, h Handler, opaque any) error {
	return r.register(KindPIO, start, start+size-1, h, opaque)
}

// RegisterMemory registers an MMIO range.
func (r *Registry) RegisterMemory(start uint64, size uint64, h Handler, opaque any) error {
	return r.register(KindMMIO, start, start+size-1, h, opaque)
}

// RegisterPCIConfig registers a single BDF's config space.
func (r *Registry) RegisterPCIConfig(bdf hypervisor.PCIBDF, h Handler, opaque any) error {
	return r.register(KindPCIConfig, uint64(bdf), uint64(bdf), h, opaque)
}

func (r *Registry) register(kind Kind, start, end uint64, h Handler, opaque any) error {
	entries := r.entriesFor(kind)
	if findOverlap(*entries, start, end) {
		return ErrOverlap
	}

	entry := &Entry{Start: start, End: end, Handler: h, Opaque: opaque}
	*entries = append(*entries, entry)

	if err := r.mapToHypervisor(kind, start, end); err != nil {
		*entries = (*entries)[:len(*entries)-1]
		r.log.WithError(err).Warnf("register %s [0x%x,0x%x]: hypervisor rejected range, rolled back", kind, start, end)
		return err
	}
	r.log.Debugf("registered %s [0x%x,0x%x]", kind, start, end)
	return nil
}

// DeregisterPort mirrors RegisterPort. The hypervisor unmap is issued
// before the local entry is removed: a trap that lands between the unmap
// call and local removal still finds the entry and runs its handler; one
// that lands after removal finds nothing and the Dispatcher's no-handler
// path produces a silent no-op, which is the documented behavior, not an
// error.
func (r *Registry) DeregisterPort(start uint64, size uint64) error {
	return r.deregister(KindPIO, start, start+size-1)
}

func (r *Registry) DeregisterMemory(start uint64, size uint64) error {
	return r.deregister(KindMMIO, start, start+size-1)
}

func (r *Registry) DeregisterPCIConfig(bdf hypervisor.PCIBDF) error {
	return r.deregister(KindPCIConfig, uint64(bdf), uint64(bdf))
}

func (r *Registry) deregister(kind Kind, start, end uint64) error {
	if err := r.unmapFromHypervisor(kind, start, end); err != nil {
		r.log.WithError(err).Warnf("deregister %s [0x%x,0x%x]: hypervisor unmap failed, local entry kept", kind, start, end)
		return err
	}

	entries := r.entriesFor(kind)
	for i, e := range *entries {
		if e.Start == start && e.End == end {
			*entries = append((*entries)[:i], (*entries)[i+1:]...)
			r.log.Debugf("deregistered %s [0x%x,0x%x]", kind, start, end)
			return nil
		}
	}
	return nil
}

// Find scans the given registry kind for the entry covering addr. O(n) is
// the documented tradeoff: a server has at most tens of ranges.
func (r *Registry) Find(kind Kind, addr uint64) *Entry {
	for _, e := range *r.entriesFor(kind) {
		if e.contains(addr) {
			return e
		}
	}
	return nil
}

func (r *Registry) entriesFor(kind Kind) *[]*Entry {
	switch kind {
	case KindPIO:
		return &r.pio
	case KindMMIO:
		return &r.mmio
	case KindPCIConfig:
		return &r.pciCfg
	default:
		panic("registry: unknown kind")
	}
}

func (r *Registry) mapToHypervisor(kind Kind, start, end uint64) error {
	switch kind {
	case KindPIO:
		return r.transport.MapPIORangeToIOReqServer(r.domid, r.ioservid, start, end)
	case KindMMIO:
		return r.transport.MapMemoryRangeToIOReqServer(r.domid, r.ioservid, start, end)
	case KindPCIConfig:
		return r.transport.MapPCIRangeToIOReqServer(r.domid, r.ioservid, hypervisor.PCIBDF(start))
	default:
		return fmt.Errorf("registry: unknown kind %v", kind)
	}
}

func (r *Registry) unmapFromHypervisor(kind Kind, start, end uint64) error {
	switch kind {
	case KindPIO:
		return r.transport.UnmapPIORangeFromIOReqServer(r.domid, r.ioservid, start, end)
	case KindMMIO:
		return r.transport.UnmapMemoryRangeFromIOReqServer(r.domid, r.ioservid, start, end)
	case KindPCIConfig:
		return r.transport.UnmapPCIRangeFromIOReqServer(r.domid, r.ioservid, hypervisor.PCIBDF(start))
	default:
		return fmt.Errorf("registry: unknown kind %v", kind)
	}
}
