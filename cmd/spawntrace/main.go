package main

import (
	"os"

	"github.com/moby/sys/reexec"
)

func main() {
	// the suspended child runs the same binary
	if reexec.Init() {
		return
	}
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
