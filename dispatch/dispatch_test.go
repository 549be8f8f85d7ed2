package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weichen81/xenioreqd/hypervisor"
	"github.com/weichen81/xenioreqd/mapcache"
	"github.com/weichen81/xenioreqd/registry"
)

// fakeDevice is a registry.WidthHandler that just copies between an
// internal byte slice and whatever data it's given, recording every call
// it receives for assertions.
type fakeDevice struct {
	store map[uint64][]byte
	calls []string
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{store: make(map[uint64][]byte)}
}

func (f *fakeDevice) HandleIO(addr uint64, dir registry.Direction, data []byte, opaque any) error {
	f.calls = append(f.calls, "io")
	return f.transfer(addr, dir, data)
}

func (f *fakeDevice) HandleByte(addr uint64, dir registry.Direction, data []byte, opaque any) (bool, error) {
	f.calls = append(f.calls, "byte")
	return true, f.transfer(addr, dir, data)
}

func (f *fakeDevice) HandleWord(addr uint64, dir registry.Direction, data []byte, opaque any) (bool, error) {
	f.calls = append(f.calls, "word")
	return true, f.transfer(addr, dir, data)
}

func (f *fakeDevice) HandleLong(addr uint64, dir registry.Direction, data []byte, opaque any) (bool, error) {
	f.calls = append(f.calls, "long")
	return true, f.transfer(addr, dir, data)
}

func (f *fakeDevice) transfer(addr uint64, dir registry.Direction, data []byte) error {
	if dir == registry.DirWrite {
		stored := make([]byte, len(data))
		copy(stored, data)
		f.store[addr] = stored
		return nil
	}
	if stored, ok := f.store[addr]; ok {
		copy(data, stored)
	}
	return nil
}

func buildDispatcher(t *testing.T, vcpus uint32) (*Dispatcher, *hypervisor.FakeTransport, *registry.Registry, *hypervisor.SharedIOPage, *hypervisor.BufferedIOPage) {
	t.Helper()

	tr := hypervisor.NewFakeTransport(vcpus)
	reg := registry.New(tr, 1, 1)
	cache, err := mapcache.New(tr, 1, mapcache.DefaultCapacity)
	require.NoError(t, err)

	sharedRaw := make([]byte, 4096) // one mmap'd page, same as production
	shared := hypervisor.NewSharedIOPage(sharedRaw)
	bufferedRaw := make([]byte, 4096)
	buffered := hypervisor.NewBufferedIOPage(bufferedRaw)

	localPorts := make([]hypervisor.EvtchnPort, vcpus)
	for i := range localPorts {
		localPorts[i] = hypervisor.EvtchnPort(100 + i)
	}

	d := New(tr, reg, cache, shared, buffered, localPorts)
	return d, tr, reg, shared, buffered
}

func TestDispatchVCPU_MMIORead(t *testing.T) {
	d, tr, reg, shared, _ := buildDispatcher(t, 1)

	dev := newFakeDevice()
	dev.store[0x1000] = []byte{0xAA, 0xBB, 0xCC, 0xDD}
	require.NoError(t, reg.RegisterMemory(0x1000, 0x10, dev, nil))

	req := shared.Slot(0)
	req.Addr = 0x1000
	req.Size = 4
	req.Count = 1
	req.Type = hypervisor.IOReqTypeCopy
	req.Dir = hypervisor.DirRead
	req.SetState(hypervisor.StateReady)

	d.DispatchVCPU(0)

	require.Equal(t, hypervisor.StateRespReady, req.State())
	require.Equal(t, uint64(0xDDCCBBAA), req.Data)
	require.Contains(t, tr.Calls, "notify")
	require.Equal(t, []string{"long"}, dev.calls)
}

func TestDispatchVCPU_NoopWhenNotReady(t *testing.T) {
	d, _, _, shared, _ := buildDispatcher(t, 1)
	req := shared.Slot(0)
	req.SetState(hypervisor.StateNone)

	d.DispatchVCPU(0)

	require.Equal(t, hypervisor.StateNone, req.State())
}

func TestDispatchBuffered_CombinesTwoSlotsForEightByteWrite(t *testing.T) {
	d, _, reg, _, buffered := buildDispatcher(t, 1)

	dev := newFakeDevice()
	require.NoError(t, reg.RegisterMemory(0x2000, 0x10, dev, nil))

	low := &buffered.Slots[0]
	low.SetType(uint8(hypervisor.IOReqTypeCopy))
	low.SetDir(hypervisor.DirWrite)
	low.SetSizeLog2(3) // 8 bytes
	low.SetAddr(0x2000)
	low.SetData(0x11223344)

	high := &buffered.Slots[1]
	high.SetData(0x55667788)

	buffered.WritePointer.Store(2)

	d.DispatchBuffered()

	require.Equal(t, uint32(2), buffered.ReadPointer.Load())
	stored := dev.store[0x2000]
	require.Len(t, stored, 8)
	require.Equal(t, uint64(0x5566778811223344), leUint64(stored))
}

func TestDispatchBuffered_OverflowClampsForwardProgress(t *testing.T) {
	d, _, reg, _, buffered := buildDispatcher(t, 1)

	dev := newFakeDevice()
	require.NoError(t, reg.RegisterMemory(0x3000, 0x10, dev, nil))

	slot := &buffered.Slots[0]
	slot.SetType(uint8(hypervisor.IOReqTypeCopy))
	slot.SetDir(hypervisor.DirWrite)
	slot.SetSizeLog2(0) // 1 byte
	slot.SetAddr(0x3000)
	slot.SetData(0x42)

	// Simulate the consumer having fallen behind by more than a full ring.
	buffered.WritePointer.Store(hypervisor.BufferedIOReqSlotNum + 10)
	buffered.ReadPointer.Store(0)

	require.NotPanics(t, func() { d.DispatchBuffered() })
	require.Equal(t, buffered.WritePointer.Load(), buffered.ReadPointer.Load())
}

func TestDispatchPCIConfigRead(t *testing.T) {
	d, _, reg, shared, _ := buildDispatcher(t, 1)

	bdf := hypervisor.EncodeBDF(0, 4, 0)
	dev := newFakeDevice()
	dev.store[0x10] = []byte{0x01, 0x02, 0x03, 0x04}
	require.NoError(t, reg.RegisterPCIConfig(bdf, dev, nil))

	req := shared.Slot(0)
	req.Addr = uint64(bdf)<<8 | 0x10
	req.Size = 4
	req.Count = 1
	req.Type = hypervisor.IOReqTypePCIConfig
	req.Dir = hypervisor.DirRead
	req.SetState(hypervisor.StateReady)

	d.DispatchVCPU(0)

	require.Equal(t, uint64(0x04030201), req.Data)
}

func TestDispatchRepWrite(t *testing.T) {
	d, tr, reg, shared, _ := buildDispatcher(t, 1)

	dev := newFakeDevice()
	require.NoError(t, reg.RegisterPort(0x200, 1, dev, nil))

	tr.SeedPage(5, []byte{0x10, 0x20, 0x30})

	req := shared.Slot(0)
	req.Type = hypervisor.IOReqTypePIO
	req.Dir = hypervisor.DirWrite
	req.Addr = 0x200
	req.Size = 1
	req.Count = 3
	req.DataIsPtr = true
	req.Df = false
	req.Data = 5 * 4096 // guest pfn 5, offset 0
	req.SetState(hypervisor.StateReady)

	d.DispatchVCPU(0)

	// PIO keeps the same port address across all three repeats (only the
	// guest-side pointer advances), so the device only ever observes the
	// last byte of the run: the rep loop overwrote 0x10 and 0x20 in turn.
	require.Equal(t, []byte{0x30}, dev.store[0x200])
	require.Equal(t, []string{"byte", "byte", "byte"}, dev.calls)
}

func TestHandleIOReq_InvalidateClearsMapCache(t *testing.T) {
	d, tr, _, shared, _ := buildDispatcher(t, 1)
	tr.SeedPage(9, []byte("x"))

	_, err := d.cache.Lookup(9)
	require.NoError(t, err)
	require.Equal(t, 1, d.cache.Len())

	req := shared.Slot(0)
	req.Type = hypervisor.IOReqTypeInvalidate
	req.SetState(hypervisor.StateReady)

	d.DispatchVCPU(0)

	require.Equal(t, 0, d.cache.Len())
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
