//go:build !unix

package emu

// allocRAM falls back to heap memory on hosts without mmap. The slice is
// referenced by the Machine for its whole lifetime so pointers into it stay
// valid.
func allocRAM(size int) ([]byte, func([]byte) error, error) {
	return make([]byte, size), func([]byte) error { return nil }, nil
}
