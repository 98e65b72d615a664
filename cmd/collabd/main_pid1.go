//go:build !no_psi

package main

import "pkt.systems/psi"

// psi reaps orphans and forwards signals when collabd runs as PID 1 in a
// container. Build with -tags no_psi to run submain directly.
func main() {
	psi.Run(submain)
}
