// Package rdmacm implements fabric.Provider on top of librdmacm and
// libibverbs. Without cgo or the rdmacm build tag, New reports
// fabric.ErrUnsupported.
package rdmacm
