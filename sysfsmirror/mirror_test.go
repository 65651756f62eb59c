package sysfsmirror_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicetree/overlay/domain"
	"github.com/devicetree/overlay/sysfsmirror"
)

func Test_ExportUpdateUnexport(t *testing.T) {
	m := sysfsmirror.NewMirror("/sys/devtree", sysfsmirror.MemBacking)
	n := domain.NewStaticNode("root", "", "/root", 0)
	p := domain.NewProperty("status", []byte("okay"), 1)

	require.NoError(t, m.Export(n, p))

	p.Value = []byte("disabled")
	require.NoError(t, m.Update(n, p))

	require.NoError(t, m.Unexport(n, p))
	// unexporting twice is a no-op, not an error.
	assert.NoError(t, m.Unexport(n, p))
}
