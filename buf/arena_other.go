//go:build !linux && !darwin

package buf

// allocArena falls back to a plain heap allocation on platforms where
// an mmap-backed arena strategy has no portable, dependency-free
// equivalent worth adding.
func allocArena(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func freeArena(mem []byte) error {
	return nil
}

func hintUnused(mem []byte) {}
