//go:build !rdmacm || !cgo

package rdmacm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rocketbitz/rdmawrite-go/fabric"
)

func TestNewUnsupportedWithoutTag(t *testing.T) {
	require.False(t, Available)
	p, err := New()
	require.ErrorIs(t, err, fabric.ErrUnsupported)
	require.Nil(t, p)
}
