package state

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
)

func TestLifecycleTransitions(t *testing.T) {
	l := New("RegressionBuilder")
	assert.Equal(t, Created, l.Phase())
	assert.NoError(t, l.RequireOpen("AddTree"))

	assert.True(t, l.Start())
	assert.False(t, l.Start())
	assert.Equal(t, Active, l.Phase())

	assert.True(t, l.Complete())
	assert.False(t, l.Complete())
	assert.Equal(t, "completed", l.Phase().String())

	err := l.RequireOpen("AddTree")
	var misuse *errors.BuilderMisuseError
	assert.True(t, errors.As(err, &misuse))
	assert.Equal(t, "RegressionBuilder", misuse.Builder)
}

func TestOnlyOneGoroutineStarts(t *testing.T) {
	l := New("runner")
	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Start() {
				started.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), started.Load())
}
