package hypervisor

import (
	"fmt"
	"sync"
)

// FakeTransport is an in-memory Transport used by the test suite so the
// Dispatcher, Registry, and Sequencer can be exercised without a live Xen
// host, per the design note in spec.md §9 ("the test suite instantiates
// multiple dispatchers against mock transports").
type FakeTransport struct {
	mu sync.Mutex

	opened   bool
	closed   bool
	nextPort EvtchnPort
	nextIOS  uint32

	boundLocal map[EvtchnPort]EvtchnPort // local -> remote
	pending    []EvtchnPort
	unmasked   map[EvtchnPort]bool

	pages      map[uint64][]byte // guest pfn -> fake page contents
	ioservid   uint32
	enabled    bool
	bufPort    EvtchnPort
	vcpuCount  uint32
	irqLevels  map[uint8]bool

	// Call logs, inspected by tests that assert ordering (e.g. teardown
	// releases in reverse order of acquisition).
	Calls []string

	// MapResourceErr, when set, is returned by MapResource to simulate an
	// init-time transport failure.
	MapResourceErr error
	CreateServerErr error
}

// NewFakeTransport constructs a FakeTransport with vcpus vCPUs and a guest
// memory model backing MapForeignPage.
func NewFakeTransport(vcpus uint32) *FakeTransport {
	return &FakeTransport{
		boundLocal: make(map[EvtchnPort]EvtchnPort),
		unmasked:   make(map[EvtchnPort]bool),
		pages:      make(map[uint64][]byte),
		irqLevels:  make(map[uint8]bool),
		vcpuCount:  vcpus,
		nextPort:   1,
	}
}

// SeedPage pre-populates a guest page frame so MapForeignPage has content
// to return (tests use this to stage "guest memory").
func (f *FakeTransport) SeedPage(pfn uint64, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page := make([]byte, 4096)
	copy(page, content)
	f.pages[pfn] = page
}

// PageContent returns the current bytes of a seeded page, for assertions.
func (f *FakeTransport) PageContent(pfn uint64) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.pages[pfn]...)
}

func (f *FakeTransport) record(call string) {
	f.Calls = append(f.Calls, call)
}

func (f *FakeTransport) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("open")
	f.opened = true
	return nil
}

func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("close")
	f.closed = true
	return nil
}

func (f *FakeTransport) FD() int { return -1 }

func (f *FakeTransport) CreateIOReqServer(domid uint16) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create_ioreq_server")
	if f.CreateServerErr != nil {
		return 0, f.CreateServerErr
	}
	f.nextIOS++
	f.ioservid = f.nextIOS
	return f.ioservid, nil
}

func (f *FakeTransport) DestroyIOReqServer(domid uint16, ioservid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("destroy_ioreq_server")
	return nil
}

func (f *FakeTransport) MapResource(domid uint16, ioservid uint32) (*SharedIOPage, *BufferedIOPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("map_resource")
	if f.MapResourceErr != nil {
		return nil, nil, f.MapResourceErr
	}
	sharedRaw := make([]byte, 4096)
	bufferedRaw := make([]byte, 4096)
	f.bufPort = f.allocPortLocked()
	return NewSharedIOPage(sharedRaw), NewBufferedIOPage(bufferedRaw), nil
}

func (f *FakeTransport) UnmapResource(domid uint16, ioservid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unmap_resource")
	return nil
}

func (f *FakeTransport) GetIOReqServerInfo(domid uint16, ioservid uint32) (EvtchnPort, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("get_ioreq_server_info")
	return f.bufPort, nil
}

func (f *FakeTransport) SetIOReqServerState(domid uint16, ioservid uint32, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if enabled {
		f.record("enable_server")
	} else {
		f.record("disable_server")
	}
	f.enabled = enabled
	return nil
}

func (f *FakeTransport) allocPortLocked() EvtchnPort {
	p := f.nextPort
	f.nextPort++
	return p
}

func (f *FakeTransport) BindInterdomain(domid uint16, remotePort EvtchnPort) (EvtchnPort, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("bind_interdomain")
	local := f.allocPortLocked()
	f.boundLocal[local] = remotePort
	return local, nil
}

func (f *FakeTransport) Unbind(localPort EvtchnPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unbind")
	delete(f.boundLocal, localPort)
	return nil
}

func (f *FakeTransport) Notify(localPort EvtchnPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("notify")
	return nil
}

func (f *FakeTransport) Unmask(localPort EvtchnPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmasked[localPort] = true
	return nil
}

// Signal queues a local port as pending, simulating the hypervisor having
// produced work on it. Used by tests to drive the event loop / dispatcher
// without a real evtchn fd.
func (f *FakeTransport) Signal(localPort EvtchnPort) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, localPort)
}

func (f *FakeTransport) Pending() (EvtchnPort, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return NoPort, false
	}
	p := f.pending[0]
	f.pending = f.pending[1:]
	return p, true
}

func (f *FakeTransport) MapForeignPage(domid uint16, pfn uint64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("map_foreign_page(%d)", pfn))
	page, ok := f.pages[pfn]
	if !ok {
		return nil, fmt.Errorf("fake transport: pfn 0x%x not present", pfn)
	}
	return page, nil
}

func (f *FakeTransport) UnmapForeignPage(page []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unmap_foreign_page")
	return nil
}

func (f *FakeTransport) SetIRQLevel(domid uint16, line uint8, level bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.irqLevels[line] = level
	return nil
}

// IRQLevel reports the last level SetIRQLevel recorded for a line, for
// assertions.
func (f *FakeTransport) IRQLevel(line uint8) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.irqLevels[line]
}

func (f *FakeTransport) MapPIORangeToIOReqServer(domid uint16, ioservid uint32, start, end uint64) error {
	f.record("map_pio_range")
	return nil
}

func (f *FakeTransport) UnmapPIORangeFromIOReqServer(domid uint16, ioservid uint32, start, end uint64) error {
	f.record("unmap_pio_range")
	return nil
}

func (f *FakeTransport) MapMemoryRangeToIOReqServer(domid uint16, ioservid uint32, start, end uint64) error {
	f.record("map_mmio_range")
	return nil
}

func (f *FakeTransport) UnmapMemoryRangeFromIOReqServer(domid uint16, ioservid uint32, start, end uint64) error {
	f.record("unmap_mmio_range")
	return nil
}

func (f *FakeTransport) MapPCIRangeToIOReqServer(domid uint16, ioservid uint32, bdf PCIBDF) error {
	f.record("map_pci_range")
	return nil
}

func (f *FakeTransport) UnmapPCIRangeFromIOReqServer(domid uint16, ioservid uint32, bdf PCIBDF) error {
	f.record("unmap_pci_range")
	return nil
}

func (f *FakeTransport) VCPUCount(domid uint16) (uint32, error) {
	return f.vcpuCount, nil
}

var _ Transport = (*FakeTransport)(nil)
