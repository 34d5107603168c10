//go:build !unix

package providers

import (
	"fmt"
	"os"
)

// CheckSecretFile verifies the file is a regular file. Ownership and mode
// bits are POSIX concepts; on other platforms only the file kind is checked.
func CheckSecretFile(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	return nil
}
