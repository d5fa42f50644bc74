package shutdown

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShutdownRunsInReverseOrder(t *testing.T) {
	m := NewManager()
	var order []string
	m.OnShutdown("store", func(context.Context) { order = append(order, "store") })
	m.OnShutdown("grid", func(context.Context) { order = append(order, "grid") })

	m.Shutdown(context.Background())
	assert.Equal(t, []string{"grid", "store"}, order)

	// 回调只执行一次
	m.Shutdown(context.Background())
	assert.Len(t, order, 2)
}
