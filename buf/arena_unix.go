//go:build linux || darwin

package buf

import "golang.org/x/sys/unix"

// allocArena reserves a single anonymous mapping for a pool's
// buffers via the portable golang.org/x/sys/unix.Mmap wrapper rather
// than a raw syscall.Mmap call.
func allocArena(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, ErrOutOfMemory
	}
	return mem, nil
}

func freeArena(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}

// hintUnused advises the kernel that mem is no longer needed; it is
// best-effort and its error is intentionally not surfaced to callers
// releasing a buffer.
func hintUnused(mem []byte) {
	_ = unix.Madvise(mem, unix.MADV_FREE)
}
