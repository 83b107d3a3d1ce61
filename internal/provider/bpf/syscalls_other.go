//go:build !amd64

package bpf

// syscallName has no table for this architecture; events fall back to
// sys_<nr> labels.
func syscallName(int64) string { return "" }
