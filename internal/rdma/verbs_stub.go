//go:build !ibverbs

package rdma

// OpenVerbs reports ErrNoDevice; build with -tags ibverbs for hardware
// support.
func OpenVerbs() (Verbs, error) {
	return nil, ErrNoDevice
}

// ListDevices reports ErrNoDevice without ibverbs support.
func ListDevices() ([]Device, error) {
	return nil, ErrNoDevice
}
