//go:build cgo && rdmacm

package capi

import "unsafe"

/*
#include <stdlib.h>
*/
import "C"

// AllocBytes allocates zeroed C-managed memory of the specified size. Verbs
// registrations keep raw pointers, so registered buffers never live on the
// Go heap.
func AllocBytes(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	ptr := C.calloc(1, C.size_t(size))
	if ptr == nil {
		return nil
	}
	return ptr
}

// FreeBytes frees memory allocated via AllocBytes.
func FreeBytes(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	C.free(ptr)
}
