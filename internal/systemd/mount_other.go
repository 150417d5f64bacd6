//go:build !linux

package systemd

func readOnlyMount(string) bool {
	return false
}
