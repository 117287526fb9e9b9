package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/proto"
)

func TestStaticDirectory(t *testing.T) {
	d := NewStatic()
	var n proto.NodeID
	n[0] = 1

	_, ok := d.Lookup(n)
	require.False(t, ok)

	d.Advertise(n, "10.0.0.1:4100")
	addr, ok := d.Lookup(n)
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:4100", addr)

	d.Forget(n)
	_, ok = d.Lookup(n)
	require.False(t, ok)
}
