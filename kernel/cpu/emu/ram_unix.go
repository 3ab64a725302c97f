//go:build unix

package emu

import "golang.org/x/sys/unix"

// allocRAM reserves size bytes of zeroed, page-aligned host memory that
// lives outside the Go heap.
func allocRAM(size int) ([]byte, func([]byte) error, error) {
	ram, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}

	return ram, unix.Munmap, nil
}
