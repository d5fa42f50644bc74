package syncgroup

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncGroupRunsAddedFunctions(t *testing.T) {
	sg := NewSyncGroup()
	var n atomic.Int32
	for i := 0; i < 3; i++ {
		sg.Add(func() { n.Add(1) })
	}
	sg.Add(nil)
	assert.Equal(t, int32(0), n.Load())

	sg.Run()
	sg.Add(func() { n.Add(10) })
	sg.Wait()
	assert.Equal(t, int32(13), n.Load())
}
