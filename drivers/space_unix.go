//go:build linux || freebsd || darwin || aix || dragonfly || netbsd || openbsd
// +build linux freebsd darwin aix dragonfly netbsd openbsd

package drivers

import "golang.org/x/sys/unix"

// availableSpace reports free space on the filesystem backing the current working directory,
// via statfs. It's a best-effort figure used only to answer AVBL.
func availableSpace() (int64, error) {
	var stat unix.Statfs_t

	if err := unix.Statfs(".", &stat); err != nil {
		return 0, err
	}

	return int64(stat.Bavail) * int64(stat.Bsize), nil //nolint:unconvert
}
