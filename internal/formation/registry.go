package formation

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	xerrors "FormationHub/internal/errors"
)

// Registry 保存可用的 formation，按名称索引。
type Registry struct {
	mu         sync.RWMutex
	formations map[string]*Formation
}

// NewRegistry 创建包含内置模板的注册表。
func NewRegistry() *Registry {
	r := &Registry{formations: make(map[string]*Formation)}
	for _, f := range Builtins() {
		if err := r.Register(f); err != nil {
			panic(fmt.Sprintf("内置 formation %s 无效: %v", f.Name, err))
		}
	}
	return r
}

// Register 校验并注册 formation，同名时覆盖。
func (r *Registry) Register(f *Formation) error {
	if f == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "formation 不能为空")
	}
	clone := f.Clone()
	clone.normalize()
	if err := clone.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.formations[clone.Name] = clone
	r.mu.Unlock()
	return nil
}

// Get 返回指定 formation 的副本。
func (r *Registry) Get(name string) (*Formation, error) {
	r.mu.RLock()
	f, ok := r.formations[name]
	r.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("formation %s 不存在", name),
			xerrors.WithMetadata("formation", name))
	}
	return f.Clone(), nil
}

// List 返回按字典序排列的 formation 名称。
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.formations))
	for name := range r.formations {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

type formationFile struct {
	Formations []*Formation `yaml:"formations"`
}

// LoadFile 从 YAML（或 JSON）文件读取 formation 并注册，返回新增的名称。
// 任一 formation 校验失败时不注册文件中的任何内容。
func (r *Registry) LoadFile(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取 formation 文件失败",
			xerrors.WithMetadata("path", path))
	}
	var file formationFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 formation 文件失败",
			xerrors.WithMetadata("path", path))
	}

	parsed := make([]*Formation, 0, len(file.Formations))
	for _, f := range file.Formations {
		if f == nil {
			continue
		}
		clone := f.Clone()
		clone.normalize()
		if err := clone.Validate(); err != nil {
			return nil, err
		}
		parsed = append(parsed, clone)
	}

	names := make([]string, 0, len(parsed))
	r.mu.Lock()
	for _, f := range parsed {
		r.formations[f.Name] = f
		names = append(names, f.Name)
	}
	r.mu.Unlock()
	return names, nil
}
