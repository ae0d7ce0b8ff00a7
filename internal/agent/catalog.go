package agent

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/wwwzy/CoachAgent/internal/state"
)

var ErrUnknownActivity = errors.New("unknown activity")

// Catalog 是只读的活动定义表，按 id 索引。
type Catalog struct {
	activities map[string]*state.Activity
}

type catalogFile struct {
	Activities []*state.Activity `yaml:"activities"`
}

func NewCatalog(acts ...*state.Activity) (*Catalog, error) {
	c := &Catalog{activities: make(map[string]*state.Activity, len(acts))}
	for _, a := range acts {
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.activities[a.ID]; dup {
			return nil, fmt.Errorf("duplicate activity %q", a.ID)
		}
		c.activities[a.ID] = a
	}
	return c, nil
}

// ParseCatalog 解析 yaml 格式的活动目录：
//
//	activities:
//	  - id: budget-basics
//	    title: ...
//	    steps:
//	      - index: 1
//	        title: ...
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse activity catalog: %w", err)
	}
	return NewCatalog(f.Activities...)
}

func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c *Catalog) Get(id string) (*state.Activity, error) {
	if c != nil {
		if a, ok := c.activities[id]; ok {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownActivity, id)
}

// List 按 id 排序返回全部活动。
func (c *Catalog) List() []*state.Activity {
	if c == nil {
		return nil
	}
	out := make([]*state.Activity, 0, len(c.activities))
	for _, a := range c.activities {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.activities)
}
