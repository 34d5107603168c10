//go:build unix

package providers

import (
	"fmt"
	"os"
	"syscall"
)

// CheckSecretFile verifies the file is a regular file owned by the effective
// user with no group/other access bits set.
func CheckSecretFile(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("%s is readable by group or others (mode %04o); run chmod 600", path, info.Mode().Perm())
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if ok && int(stat.Uid) != os.Geteuid() {
		return fmt.Errorf("%s is owned by uid %d, not the current user", path, stat.Uid)
	}
	return nil
}
