package memzero

import "runtime"

// Zero overwrites b with zeros. KeepAlive stops the compiler from treating
// the clear as a dead store.
func Zero(b []byte) {
	if len(b) == 0 {
		return
	}
	clear(b)
	runtime.KeepAlive(b)
}

// ZeroAll wipes every slice in bs.
func ZeroAll(bs ...[]byte) {
	for _, b := range bs {
		Zero(b)
	}
}
