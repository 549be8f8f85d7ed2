// Package devices holds device backends that register themselves into an
// Address-Space Registry. The block backend implemented here exists so the
// dispatcher's width fall-through and rep-access paths have a real,
// testable device to drive rather than only mock handlers; it is
// deliberately not a full virtio-blk or IDE/AHCI model (that stays out of
// scope), the way spec.md names "the block device backend" as a
// collaborator, not a component of this repo.
//
// Grounded on the teacher's SerialPortDevice (devices/serial.go): a
// register-offset switch with a lock guarding internal state, generalized
// from a fixed 1-byte UART register file to a handler that offers byte and
// long native widths (it has no native word op) plus a rep-access-friendly
// data register.
package devices

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weichen81/xenioreqd/hypervisor"
	"github.com/weichen81/xenioreqd/internal/xlog"
	"github.com/weichen81/xenioreqd/registry"
)

// Register offsets within the block device's MMIO window.
const (
	RegStatus = 0x00 // byte, read-only: bit0 set when the backing image is open
	RegCmd    = 0x04 // byte, write-only: 1 raises IRQ, 0 lowers it
	RegData   = 0x08 // long, read/write at the current cursor
	RegCursor = 0x0c // long, read/write: byte offset into the backing image
)

const statusReady = 0x01

// Block is a minimal memory-backed block device: a flat byte slice loaded
// from an image file, exposed through a cursor + data register pair so rep
// accesses exercise repeated Data register transfers the way a real DMA
// engine would stream through one FIFO register.
type Block struct {
	mu        sync.Mutex
	image     []byte
	readOnly  bool
	irq       uint8
	domid     uint16
	cursor    uint32
	transport hypervisor.Transport
	log       *logrus.Entry
}

// NewBlock loads the image at path into memory and returns a Block ready to
// register. An empty path yields a zero-length backing store (useful
// for tests that only exercise the control registers).
func NewBlock(path string, readOnly bool, irq uint8, domid uint16, transport hypervisor.Transport) (*Block, error) {
	var img []byte
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "devices: open block image %s", path)
		}
		img = data
	}
	return &Block{
		image:     img,
		readOnly:  readOnly,
		irq:       irq,
		domid:     domid,
		transport: transport,
		log:       xlog.For("devices.block"),
	}, nil
}

// HandleIO is the generic fallback path. dispatch.Dispatcher calls it when
// HandleByte leaves a 1-byte access unhandled and for access sizes other
// than 1, 2 or 4; it routes 1/2/4-byte accesses to the width-specific
// methods and rejects other sizes.
func (b *Block) HandleIO(addr uint64, dir registry.Direction, data []byte, opaque any) error {
	switch len(data) {
	case 1:
		_, err := b.HandleByte(addr, dir, data, opaque)
		return err
	case 2:
		_, err := b.HandleWord(addr, dir, data, opaque)
		return err
	case 4:
		_, err := b.HandleLong(addr, dir, data, opaque)
		return err
	default:
		return errors.Errorf("devices: block has no %d-byte native op", len(data))
	}
}

func (b *Block) HandleByte(addr uint64, dir registry.Direction, data []byte, opaque any) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch addr {
	case RegStatus:
		if dir == registry.DirRead {
			data[0] = statusReady
		}
		return true, nil
	case RegCmd:
		if dir == registry.DirWrite {
			b.setIRQLocked(data[0] != 0)
		}
		return true, nil
	default:
		return false, nil
	}
}

func (b *Block) HandleWord(addr uint64, dir registry.Direction, data []byte, opaque any) (bool, error) {
	return false, nil
}

func (b *Block) HandleLong(addr uint64, dir registry.Direction, data []byte, opaque any) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch addr {
	case RegCursor:
		if dir == registry.DirWrite {
			b.cursor = le32(data)
		} else {
			putLE32(data, b.cursor)
		}
		return true, nil
	case RegData:
		return true, b.transferDataLocked(dir, data)
	default:
		return false, nil
	}
}

func (b *Block) transferDataLocked(dir registry.Direction, data []byte) error {
	end := int(b.cursor) + len(data)
	if end > len(b.image) {
		return errors.Errorf("devices: block access past end of image (cursor=%d len=%d size=%d)", b.cursor, len(b.image), len(data))
	}

	if dir == registry.DirWrite {
		if b.readOnly {
			return errors.New("devices: write to read-only block image")
		}
		copy(b.image[b.cursor:end], data)
	} else {
		copy(data, b.image[b.cursor:end])
	}
	b.cursor += uint32(len(data))
	return nil
}

func (b *Block) setIRQLocked(level bool) {
	if b.transport == nil {
		return
	}
	if err := b.transport.SetIRQLevel(b.domid, b.irq, level); err != nil {
		b.log.WithError(err).Warnf("set irq line=%d level=%t", b.irq, level)
	}
}

func le32(data []byte) uint32 {
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
}

func putLE32(data []byte, v uint32) {
	data[0] = byte(v)
	data[1] = byte(v >> 8)
	data[2] = byte(v >> 16)
	data[3] = byte(v >> 24)
}

var _ registry.WidthHandler = (*Block)(nil)
