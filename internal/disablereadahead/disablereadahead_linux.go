package disablereadahead

import (
	"os"

	"golang.org/x/sys/unix"
)

// Disable hints to the kernel that f will be accessed randomly, matching
// the block-scattered write pattern of piece delivery.
func Disable(f *os.File) error {
	return unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM)
}
