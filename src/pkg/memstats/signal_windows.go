//go:build windows

package memstats

func signalZero(pid int) bool {
	return true
}
