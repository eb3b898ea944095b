package formation

import (
	"strings"
	"sync"
)

// Router 按 formation 的 routing 规则挑选成员，可并发使用。
type Router struct {
	formation *Formation
	mu        sync.Mutex
	cycle     int
}

// NewRouter 创建 Router，formation 会被复制。
func NewRouter(f *Formation) *Router {
	return &Router{formation: f.Clone()}
}

// Formation 返回路由所用的 formation 副本。
func (r *Router) Formation() *Formation {
	return r.formation.Clone()
}

// Route 为任务描述挑选一个成员。
func (r *Router) Route(description string) Agent {
	agents := r.formation.Agents
	if r.formation.Routing == RoutingByRole {
		lowered := strings.ToLower(description)
		for _, agent := range agents {
			if strings.Contains(lowered, rolePrefix(agent.Role)) {
				return agent
			}
		}
		return agents[0]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	agent := agents[r.cycle%len(agents)]
	r.cycle++
	return agent
}
