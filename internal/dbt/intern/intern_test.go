package intern

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInternStable(t *testing.T) {
	tbl := NewTable()
	a := tbl.Intern("X0")
	b := tbl.Intern("X1")
	require.NotEqual(t, a, b)
	require.Equal(t, a, tbl.Intern("X0"))
	require.Equal(t, "X0", tbl.String(a))
	require.Equal(t, "X1", tbl.String(b))
	require.Equal(t, 2, tbl.Len())
}

func TestInvalidReserved(t *testing.T) {
	tbl := NewTable()
	require.NotEqual(t, Invalid, tbl.Intern("anything"))
}

func TestConcurrentIntern(t *testing.T) {
	tbl := NewTable()
	var wg sync.WaitGroup
	ids := make([]ID, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ids[n] = tbl.Intern("shared")
		}(i)
	}
	wg.Wait()
	for _, id := range ids[1:] {
		require.Equal(t, ids[0], id)
	}
	require.Equal(t, 1, tbl.Len())
}
