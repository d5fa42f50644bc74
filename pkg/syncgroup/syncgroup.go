package syncgroup

import (
	"sync"
)

// SyncGroup 管理一组后台 goroutine 的生命周期：先 Add，再 Run，最后 Wait。
// Run 之后再 Add 的函数会立即启动。
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	pending []func()
	running bool
}

func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add 添加一个 goroutine 函数
func (w *SyncGroup) Add(fn func()) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		w.start(fn)
		return
	}
	w.pending = append(w.pending, fn)
}

// Run 启动所有已添加的函数
func (w *SyncGroup) Run() {
	w.mu.Lock()
	defer w.mu.Unlock()
	fns := w.pending
	w.pending = nil
	w.running = true
	for _, fn := range fns {
		w.start(fn)
	}
}

func (w *SyncGroup) start(fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Wait 等待所有已启动的 goroutine 退出
func (w *SyncGroup) Wait() {
	w.wg.Wait()
}
