//go:build !linux

package disablereadahead

import "os"

// Disable is a no-op on platforms without fadvise.
func Disable(f *os.File) error {
	return nil
}
