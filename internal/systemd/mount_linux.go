//go:build linux

package systemd

import "golang.org/x/sys/unix"

// readOnlyMount reports whether path sits on a read-only filesystem. An
// unreadable path is not reported as read-only; the stat that follows fails
// instead.
func readOnlyMount(path string) bool {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false
	}
	return st.Flags&unix.ST_RDONLY != 0
}
