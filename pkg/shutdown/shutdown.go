package shutdown

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "shutdown")

// Handler 关闭回调；应在 ctx 结束前返回
type Handler func(ctx context.Context)

// Manager 优雅关闭管理器。回调按注册的逆序依次执行：
// 后启动的组件先关闭（例如先停网格，再关 admin 与存储）。
type Manager struct {
	mu        sync.Mutex
	callbacks []named
}

type named struct {
	name string
	fn   Handler
}

func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, named{name: name, fn: handler})
}

// Shutdown 执行所有回调（阻塞）；ctx 超时后剩余回调仍会被调用，但拿到的是已结束的 ctx
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	callbacks := m.callbacks
	m.callbacks = nil
	m.mu.Unlock()

	if len(callbacks) == 0 {
		return
	}
	log.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))
	for i := len(callbacks) - 1; i >= 0; i-- {
		cb := callbacks[i]
		log.Debugf("关闭 %s", cb.name)
		cb.fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		log.Warnf("关闭超时: %v", err)
		return
	}
	log.Info("所有关闭回调已完成")
}
