package hypervisor

import "unsafe"

// rawPointer returns a pointer into raw at byte offset off. Used to overlay
// typed wire structures onto an mmap'd page, the same cast-a-byte-slice
// trick core_engine used for kvm_run (kvmRunStruct :=
// (*hypervisor.KvmRun)(unsafe.Pointer(&kvmRunAddr[0]))).
func rawPointer(raw []byte, off int) unsafe.Pointer {
	if off >= len(raw) {
		panic("hypervisor: offset out of range for mapped page")
	}
	return unsafe.Pointer(&raw[off])
}
