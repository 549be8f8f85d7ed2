package hypervisor

import "fmt"

// PCIBDF is a PCI bus/device/function triple encoded as bus<<8 | dev<<3 | fn.
type PCIBDF uint16

// EncodeBDF builds a PCIBDF from its components.
func EncodeBDF(bus, dev, fn uint8) PCIBDF {
	return PCIBDF(uint16(bus)<<8 | uint16(dev&0x1f)<<3 | uint16(fn&0x7))
}

// Transport is the capability surface this package exposes to the rest of
// the emulator: open/close handles, ioreq-server lifecycle, page mapping,
// event-channel binding, and range routing. It plays the role core_engine's
// bare *kvmFD/*vmFD ints played for KVM, but as an interface so the
// Dispatcher, Sequencer, and Registry can all be exercised against a fake
// in tests instead of a live hypervisor (see FakeTransport).
type Transport interface {
	// Open acquires the control, event-channel, foreign-memory, and
	// device-model handles. Must be called once before any other method.
	Open() error
	// Close releases every handle Open acquired. Idempotent.
	Close() error

	// CreateIOReqServer registers this process as an ioreq server for domid.
	CreateIOReqServer(domid uint16) (ioservid uint32, err error)
	// DestroyIOReqServer unregisters a previously created server.
	DestroyIOReqServer(domid uint16, ioservid uint32) error
	// MapResource maps the server's two shared pages (buffered, then
	// synchronous) into this process's address space.
	MapResource(domid uint16, ioservid uint32) (shared *SharedIOPage, buffered *BufferedIOPage, err error)
	// UnmapResource unmaps the pages MapResource mapped. Idempotent no-op
	// if nothing was mapped.
	UnmapResource(domid uint16, ioservid uint32) error
	// GetIOReqServerInfo returns the buffered ring's remote event port.
	GetIOReqServerInfo(domid uint16, ioservid uint32) (bufPort EvtchnPort, err error)
	// SetIOReqServerState enables or disables request delivery to the server.
	SetIOReqServerState(domid uint16, ioservid uint32, enabled bool) error

	// BindInterdomain binds a local port to a remote port already owned by
	// the guest (e.g. a vCPU's vp_eport, or the buffered ring's remote port).
	BindInterdomain(domid uint16, remotePort EvtchnPort) (localPort EvtchnPort, err error)
	// Unbind releases a previously bound local port.
	Unbind(localPort EvtchnPort) error
	// Notify signals a bound port.
	Notify(localPort EvtchnPort) error
	// Unmask re-arms a port for further notifications after handling one.
	Unmask(localPort EvtchnPort) error
	// Pending returns the next signalled local port, if any.
	Pending() (EvtchnPort, bool)
	// FD returns the event-channel file descriptor the event loop selects on.
	FD() int

	// MapForeignPage maps one guest page frame for DMA-like access. Used
	// only by the map cache; callers never hold the result past one
	// handler invocation.
	MapForeignPage(domid uint16, pfn uint64) ([]byte, error)
	// UnmapForeignPage releases a page MapForeignPage returned.
	UnmapForeignPage(page []byte) error

	// SetIRQLevel raises or lowers a guest IRQ line on behalf of a device.
	SetIRQLevel(domid uint16, line uint8, level bool) error

	// MapPIORangeToIOReqServer/MapMemoryRangeToIOReqServer/
	// MapPCIRangeToIOReqServer route a PIO/MMIO/PCI-config range to this
	// server; the Unmap* variants undo that routing. Called by the
	// Address-Space Registry on register/deregister.
	MapPIORangeToIOReqServer(domid uint16, ioservid uint32, start, end uint64) error
	UnmapPIORangeFromIOReqServer(domid uint16, ioservid uint32, start, end uint64) error
	MapMemoryRangeToIOReqServer(domid uint16, ioservid uint32, start, end uint64) error
	UnmapMemoryRangeFromIOReqServer(domid uint16, ioservid uint32, start, end uint64) error
	MapPCIRangeToIOReqServer(domid uint16, ioservid uint32, bdf PCIBDF) error
	UnmapPCIRangeFromIOReqServer(domid uint16, ioservid uint32, bdf PCIBDF) error

	// VCPUCount queries the guest's vCPU count, used to size the per-vCPU
	// local port array.
	VCPUCount(domid uint16) (uint32, error)
}

// TransportError wraps a failed hypervisor call with the call's name so
// init-failure logging and exit-path messages can name the offending step
// without every caller re-deriving it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("hypervisor: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
