package formation

import (
	"fmt"
	"strings"

	xerrors "FormationHub/internal/errors"
)

// Routing 决定 formation 如何把任务分配给成员。
type Routing string

const (
	// RoutingRoundRobin 按顺序轮流分配。
	RoutingRoundRobin Routing = "round_robin"
	// RoutingByRole 选择角色前缀出现在任务描述中的第一个成员，找不到时退回第一个成员。
	RoutingByRole Routing = "by_role"
	// RoutingPlanner 预留给规划器，目前与轮询一致。
	RoutingPlanner Routing = "planner"
)

// Tool 描述成员可以调用的工具。
type Tool struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Args        map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
}

// Agent 是 formation 中的一个成员。
type Agent struct {
	ID    string   `json:"id" yaml:"id"`
	Role  string   `json:"role" yaml:"role"`
	Goals []string `json:"goals" yaml:"goals"`
	Tools []Tool   `json:"tools,omitempty" yaml:"tools,omitempty"`
	Model string   `json:"model,omitempty" yaml:"model,omitempty"`
}

// Formation 是一组协作成员及其分配规则，任务记录按 formation 名称分区。
type Formation struct {
	Name    string  `json:"name" yaml:"name"`
	Mission string  `json:"mission" yaml:"mission"`
	Routing Routing `json:"routing" yaml:"routing"`
	Agents  []Agent `json:"agents" yaml:"agents"`
}

// normalize 补齐默认值：routing 为空时轮询，llm_planner 视为 planner，成员模型默认 default。
func (f *Formation) normalize() {
	f.Name = strings.TrimSpace(f.Name)
	switch Routing(strings.ToLower(strings.TrimSpace(string(f.Routing)))) {
	case "":
		f.Routing = RoutingRoundRobin
	case "llm_planner":
		f.Routing = RoutingPlanner
	default:
		f.Routing = Routing(strings.ToLower(strings.TrimSpace(string(f.Routing))))
	}
	for i := range f.Agents {
		f.Agents[i].ID = strings.TrimSpace(f.Agents[i].ID)
		if f.Agents[i].Model == "" {
			f.Agents[i].Model = "default"
		}
	}
}

// Validate 检查 formation 是否可用于分配任务。
func (f *Formation) Validate() error {
	if f.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "formation 名称不能为空")
	}
	switch f.Routing {
	case RoutingRoundRobin, RoutingByRole, RoutingPlanner:
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("formation %s 的 routing %q 不受支持", f.Name, f.Routing))
	}
	if len(f.Agents) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("formation %s 至少需要一个成员", f.Name))
	}
	seen := make(map[string]struct{}, len(f.Agents))
	for _, agent := range f.Agents {
		if agent.ID == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("formation %s 存在空的成员 ID", f.Name))
		}
		if _, ok := seen[agent.ID]; ok {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("formation %s 的成员 ID %s 重复", f.Name, agent.ID))
		}
		seen[agent.ID] = struct{}{}
	}
	return nil
}

// Agent 按 ID 查找成员。
func (f *Formation) Agent(id string) (Agent, bool) {
	for _, agent := range f.Agents {
		if agent.ID == id {
			return agent, true
		}
	}
	return Agent{}, false
}

// Clone 返回深拷贝，调用方可以随意修改。
func (f *Formation) Clone() *Formation {
	clone := *f
	clone.Agents = make([]Agent, len(f.Agents))
	for i, agent := range f.Agents {
		agent.Goals = append([]string(nil), agent.Goals...)
		agent.Tools = append([]Tool(nil), agent.Tools...)
		clone.Agents[i] = agent
	}
	return &clone
}

// rolePrefix 返回角色中第一个下划线之前的部分，例如 backend_engineer 返回 backend。
func rolePrefix(role string) string {
	role = strings.ToLower(role)
	if idx := strings.IndexByte(role, '_'); idx >= 0 {
		return role[:idx]
	}
	return role
}
