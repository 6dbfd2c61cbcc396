//go:build !rdmacm || !cgo

package rdmacm

import "github.com/rocketbitz/rdmawrite-go/fabric"

// Available reports whether the provider was compiled in.
const Available = false

// New reports fabric.ErrUnsupported; build with cgo and the rdmacm tag to
// bind librdmacm.
func New() (fabric.Provider, error) {
	return nil, fabric.ErrUnsupported
}
