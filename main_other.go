//go:build !linux
// +build !linux

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintf(os.Stderr, "ircd %s: the server needs Linux epoll\n", Version())
	os.Exit(1)
}
