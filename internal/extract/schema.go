package extract

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/wwwzy/CoachAgent/internal/state"
)

type FieldType string

const (
	String     FieldType = "string"
	Enum       FieldType = "enum"
	StringList FieldType = "string_list"
	Integer    FieldType = "integer"
	Boolean    FieldType = "boolean"
)

// Field 是一个可抽取的字段。
type Field struct {
	Name string
	Desc string
	Type FieldType
	// Enum 仅在 Type=Enum 时使用，匹配时忽略大小写，结果归一为这里的写法。
	Enum []string
}

// Schema 是抽取目标：一组命名字段以及其中的必填字段。
type Schema struct {
	// Name 同时作为绑定给模型的工具名。
	Name     string
	Desc     string
	Fields   []Field
	Required []string
}

func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// CheckRequired 确认 names 都是已声明的字段。
func (s Schema) CheckRequired(names []string) error {
	for _, n := range names {
		if _, ok := s.Field(n); !ok {
			return fmt.Errorf("required field %q is not declared in schema %s", n, s.Name)
		}
	}
	return nil
}

// ToolInfo 把 Schema 转成模型可调用的工具描述。所有字段都是可选的：
// 模型只需要填写本轮消息中出现的信息。
func (s Schema) ToolInfo() *schema.ToolInfo {
	params := make(map[string]*schema.ParameterInfo, len(s.Fields))
	for _, f := range s.Fields {
		p := &schema.ParameterInfo{Desc: f.Desc}
		switch f.Type {
		case Enum:
			p.Type = schema.String
			p.Enum = append([]string(nil), f.Enum...)
		case StringList:
			p.Type = schema.Array
			p.ElemInfo = &schema.ParameterInfo{Type: schema.String}
		case Integer:
			p.Type = schema.Integer
		case Boolean:
			p.Type = schema.Boolean
		default:
			p.Type = schema.String
		}
		params[f.Name] = p
	}
	return &schema.ToolInfo{
		Name:        s.Name,
		Desc:        s.Desc,
		ParamsOneOf: schema.NewParamsOneOfByParams(params),
	}
}

// Violation 是一条校验失败信息。
type Violation struct {
	Field   string
	Message string
}

func (v Violation) String() string {
	if v.Field == "" {
		return v.Message
	}
	return v.Field + ": " + v.Message
}

// Validate 按 Schema 校验并归一化 payload，返回其中已设置的字段。
// 未声明的字段直接忽略；null、空字符串、空列表视为未提供。
func (s Schema) Validate(payload map[string]any) (state.StructuredData, []Violation) {
	out := state.StructuredData{}
	var violations []Violation
	for _, f := range s.Fields {
		raw, ok := payload[f.Name]
		if !ok || raw == nil {
			continue
		}
		v, err := coerce(f, raw)
		if err != nil {
			violations = append(violations, Violation{Field: f.Name, Message: err.Error()})
			continue
		}
		if state.IsSet(v) {
			out[f.Name] = v
		}
	}
	return out, violations
}

func coerce(f Field, raw any) (any, error) {
	switch f.Type {
	case Enum:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return "", nil
		}
		for _, e := range f.Enum {
			if strings.EqualFold(e, s) {
				return e, nil
			}
		}
		return nil, fmt.Errorf("value %q is not one of [%s]", s, strings.Join(f.Enum, ", "))

	case StringList:
		switch x := raw.(type) {
		case string:
			if strings.TrimSpace(x) == "" {
				return []string{}, nil
			}
			return []string{strings.TrimSpace(x)}, nil
		case []string:
			return cleanList(x), nil
		case []any:
			list := make([]string, 0, len(x))
			for i, item := range x {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("item %d: expected string, got %T", i, item)
				}
				list = append(list, s)
			}
			return cleanList(list), nil
		}
		return nil, fmt.Errorf("expected list of strings, got %T", raw)

	case Integer:
		switch x := raw.(type) {
		case int:
			return x, nil
		case float64:
			if x != math.Trunc(x) {
				return nil, fmt.Errorf("expected integer, got %v", x)
			}
			return int(x), nil
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %q", x)
			}
			return n, nil
		}
		return nil, fmt.Errorf("expected integer, got %T", raw)

	case Boolean:
		switch x := raw.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", x)
			}
			return b, nil
		}
		return nil, fmt.Errorf("expected boolean, got %T", raw)

	default:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		return strings.TrimSpace(s), nil
	}
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
