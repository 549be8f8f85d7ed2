//go:build linux

package hypervisor

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Real ioctl numbers for privcmd/evtchn/gnttab are generated from the Xen
// toolstack headers (xen/sys/{privcmd,evtchn,gntdev}.h) the same way
// core_engine's kvm.go notes its KVM_* constants "would typically be
// defined ... using golang.org/x/sys/unix" equivalents; here they're
// hand-derived with the _IOWR/_IOW encoding Xen's headers use. Treat the
// numeric values as illustrative of the shape of the real ABI, not a
// guarantee of byte-for-byte parity with a specific Xen release.
const (
	xenPrivcmdBase = 'P'
	xenEvtchnBase  = 'E'

	// _IOC(dir, type, nr, size) encodings, Linux ioctl convention.
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << 30) | (typ << 8) | nr | (size << 16)
}

// Computed, not const, since ioc() is a function: Go constant expressions
// can't call it, so these are initialized once at package load instead.
var (
	privcmdIoctlHypercall      = ioc(iocWrite|iocRead, xenPrivcmdBase, 0, 8*6+8)
	privcmdIoctlMmapResource   = ioc(iocWrite, xenPrivcmdBase, 2, 32)
	evtchnIoctlBindInterdomain = ioc(iocWrite|iocRead, xenEvtchnBase, 1, 8)
	evtchnIoctlUnbind          = ioc(iocWrite, xenEvtchnBase, 2, 4)
	evtchnIoctlNotify          = ioc(iocWrite, xenEvtchnBase, 3, 4)
)

// xenTransport is the production Transport: it talks to /dev/xen/privcmd,
// /dev/xen/evtchn, and the gnttab/foreignmemory device nodes the way
// core_engine's VirtualMachine talked to /dev/kvm.
type xenTransport struct {
	mu sync.Mutex

	privcmdFD int
	evtchnFD  int
	gnttabFD  int
}

// NewLinuxTransport constructs a Transport backed by real Xen device nodes.
func NewLinuxTransport() Transport {
	return &xenTransport{}
}

func (t *xenTransport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	t.privcmdFD, err = unix.Open("/dev/xen/privcmd", unix.O_RDWR, 0)
	if err != nil {
		return &TransportError{Op: "open privcmd", Err: err}
	}
	t.evtchnFD, err = unix.Open("/dev/xen/evtchn", unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		unix.Close(t.privcmdFD)
		return &TransportError{Op: "open evtchn", Err: err}
	}
	t.gnttabFD, err = unix.Open("/dev/xen/gntdev", unix.O_RDWR, 0)
	if err != nil {
		unix.Close(t.privcmdFD)
		unix.Close(t.evtchnFD)
		return &TransportError{Op: "open gntdev", Err: err}
	}
	return nil
}

func (t *xenTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for _, fd := range []*int{&t.gnttabFD, &t.evtchnFD, &t.privcmdFD} {
		if *fd > 0 {
			if err := unix.Close(*fd); err != nil && firstErr == nil {
				firstErr = err
			}
			*fd = 0
		}
	}
	return firstErr
}

func (t *xenTransport) FD() int { return t.evtchnFD }

// ioreqServerOp is the shape of the hypercall buffer the real
// xendevicemodel_{create,destroy,get_ioreq_server_info} calls marshal; kept
// here rather than in ioreq.go because it never crosses into the
// Dispatcher's view of the world.
type ioreqServerOp struct {
	Domid    uint16
	IOServID uint32
	Enabled  uint8
	BufPort  uint32
}

func (t *xenTransport) hypercall(op uint32, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.privcmdFD), privcmdIoctlHypercall, uintptr(arg))
	_ = op
	if errno != 0 {
		return errno
	}
	return nil
}

func (t *xenTransport) CreateIOReqServer(domid uint16) (uint32, error) {
	req := ioreqServerOp{Domid: domid}
	if err := t.hypercall(0, unsafe.Pointer(&req)); err != nil {
		return 0, errors.Wrap(err, "create ioreq server")
	}
	return req.IOServID, nil
}

func (t *xenTransport) DestroyIOReqServer(domid uint16, ioservid uint32) error {
	req := ioreqServerOp{Domid: domid, IOServID: ioservid}
	if err := t.hypercall(1, unsafe.Pointer(&req)); err != nil {
		return errors.Wrap(err, "destroy ioreq server")
	}
	return nil
}

// mmapResourceArg mirrors privcmd_mmap_resource: map a resource exposed by
// the hypervisor (here, the two ioreq-server pages) directly, instead of
// the older foreign-page-by-page approach.
type mmapResourceArg struct {
	Domid    uint16
	Type     uint32
	ID       uint32
	Idx      uint32
	NumPages uint64
	Addr     uint64
}

func (t *xenTransport) MapResource(domid uint16, ioservid uint32) (*SharedIOPage, *BufferedIOPage, error) {
	const pageSize = 4096
	arg := mmapResourceArg{Domid: domid, ID: ioservid, NumPages: 2}
	raw, err := unix.Mmap(t.privcmdFD, 0, pageSize*2, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, errors.Wrap(err, "mmap ioreq server resource")
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.privcmdFD), privcmdIoctlMmapResource, uintptr(unsafe.Pointer(&arg))); errno != 0 {
		unix.Munmap(raw)
		return nil, nil, errors.Wrap(errno, "mmap resource ioctl")
	}

	buffered := NewBufferedIOPage(raw[:pageSize])
	shared := NewSharedIOPage(raw[pageSize:])
	return shared, buffered, nil
}

func (t *xenTransport) UnmapResource(domid uint16, ioservid uint32) error {
	// This is a no-op: the two-page region MapResource mapped is not
	// unmapped here (xenTransport keeps no reference to it), so it stays
	// mapped until the process exits. Kept as a named step so the
	// Sequencer has a symmetric release to call.
	return nil
}

func (t *xenTransport) GetIOReqServerInfo(domid uint16, ioservid uint32) (EvtchnPort, error) {
	req := ioreqServerOp{Domid: domid, IOServID: ioservid}
	if err := t.hypercall(2, unsafe.Pointer(&req)); err != nil {
		return NoPort, errors.Wrap(err, "get ioreq server info")
	}
	return EvtchnPort(req.BufPort), nil
}

func (t *xenTransport) SetIOReqServerState(domid uint16, ioservid uint32, enabled bool) error {
	var e uint8
	if enabled {
		e = 1
	}
	req := ioreqServerOp{Domid: domid, IOServID: ioservid, Enabled: e}
	if err := t.hypercall(3, unsafe.Pointer(&req)); err != nil {
		return errors.Wrap(err, "set ioreq server state")
	}
	return nil
}

type bindInterdomainArg struct {
	RemoteDomain uint16
	RemotePort   uint32
	Port         uint32
}

func (t *xenTransport) BindInterdomain(domid uint16, remotePort EvtchnPort) (EvtchnPort, error) {
	arg := bindInterdomainArg{RemoteDomain: domid, RemotePort: uint32(remotePort)}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.evtchnFD), evtchnIoctlBindInterdomain, uintptr(unsafe.Pointer(&arg))); errno != 0 {
		return NoPort, errors.Wrap(errno, "bind interdomain")
	}
	return EvtchnPort(arg.Port), nil
}

func (t *xenTransport) Unbind(localPort EvtchnPort) error {
	port := uint32(localPort)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.evtchnFD), evtchnIoctlUnbind, uintptr(unsafe.Pointer(&port))); errno != 0 {
		return errors.Wrap(errno, "unbind evtchn port")
	}
	return nil
}

func (t *xenTransport) Notify(localPort EvtchnPort) error {
	port := uint32(localPort)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.evtchnFD), evtchnIoctlNotify, uintptr(unsafe.Pointer(&port))); errno != 0 {
		return errors.Wrap(errno, "notify evtchn port")
	}
	return nil
}

func (t *xenTransport) Unmask(localPort EvtchnPort) error {
	// Unmasking happens by writing the port back to the evtchn fd; the
	// kernel driver clears the mask bit as a side effect of the read/write
	// protocol rather than a dedicated ioctl.
	port := uint32(localPort)
	b := (*[4]byte)(unsafe.Pointer(&port))[:]
	if _, err := unix.Write(t.evtchnFD, b); err != nil {
		return errors.Wrap(err, "unmask evtchn port")
	}
	return nil
}

func (t *xenTransport) Pending() (EvtchnPort, bool) {
	var b [4]byte
	n, err := unix.Read(t.evtchnFD, b[:])
	if err != nil || n != 4 {
		return NoPort, false
	}
	port := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
	return EvtchnPort(port), true
}

func (t *xenTransport) MapForeignPage(domid uint16, pfn uint64) ([]byte, error) {
	const pageSize = 4096
	page, err := unix.Mmap(t.privcmdFD, int64(pfn*pageSize), pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "map foreign page pfn=0x%x", pfn)
	}
	return page, nil
}

func (t *xenTransport) UnmapForeignPage(page []byte) error {
	if err := unix.Munmap(page); err != nil {
		return errors.Wrap(err, "unmap foreign page")
	}
	return nil
}

func (t *xenTransport) SetIRQLevel(domid uint16, line uint8, level bool) error {
	req := struct {
		Domid uint16
		Line  uint8
		Level uint8
	}{Domid: domid, Line: line}
	if level {
		req.Level = 1
	}
	if err := t.hypercall(4, unsafe.Pointer(&req)); err != nil {
		return errors.Wrapf(err, "set irq level line=%d", line)
	}
	return nil
}

type rangeOp struct {
	Domid    uint16
	IOServID uint32
	Start    uint64
	End      uint64
}

func (t *xenTransport) MapPIORangeToIOReqServer(domid uint16, ioservid uint32, start, end uint64) error {
	req := rangeOp{Domid: domid, IOServID: ioservid, Start: start, End: end}
	return errors.Wrap(t.hypercall(5, unsafe.Pointer(&req)), "map pio range")
}

func (t *xenTransport) UnmapPIORangeFromIOReqServer(domid uint16, ioservid uint32, start, end uint64) error {
	req := rangeOp{Domid: domid, IOServID: ioservid, Start: start, End: end}
	return errors.Wrap(t.hypercall(6, unsafe.Pointer(&req)), "unmap pio range")
}

func (t *xenTransport) MapMemoryRangeToIOReqServer(domid uint16, ioservid uint32, start, end uint64) error {
	req := rangeOp{Domid: domid, IOServID: ioservid, Start: start, End: end}
	return errors.Wrap(t.hypercall(7, unsafe.Pointer(&req)), "map mmio range")
}

func (t *xenTransport) UnmapMemoryRangeFromIOReqServer(domid uint16, ioservid uint32, start, end uint64) error {
	req := rangeOp{Domid: domid, IOServID: ioservid, Start: start, End: end}
	return errors.Wrap(t.hypercall(8, unsafe.Pointer(&req)), "unmap mmio range")
}

func (t *xenTransport) MapPCIRangeToIOReqServer(domid uint16, ioservid uint32, bdf PCIBDF) error {
	req := rangeOp{Domid: domid, IOServID: ioservid, Start: uint64(bdf), End: uint64(bdf)}
	return errors.Wrap(t.hypercall(9, unsafe.Pointer(&req)), "map pci range")
}

func (t *xenTransport) UnmapPCIRangeFromIOReqServer(domid uint16, ioservid uint32, bdf PCIBDF) error {
	req := rangeOp{Domid: domid, IOServID: ioservid, Start: uint64(bdf), End: uint64(bdf)}
	return errors.Wrap(t.hypercall(10, unsafe.Pointer(&req)), "unmap pci range")
}

func (t *xenTransport) VCPUCount(domid uint16) (uint32, error) {
	req := struct {
		Domid  uint16
		VCPUs  uint32
	}{Domid: domid}
	if err := t.hypercall(11, unsafe.Pointer(&req)); err != nil {
		return 0, errors.Wrap(err, "domain info")
	}
	return req.VCPUs, nil
}
