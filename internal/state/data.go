package state

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
)

// StructuredData 是字段名到取值的映射。
// 取值只会是 string / []string / int / bool 之一；nil、空字符串、空列表都视为“未设置”。
type StructuredData map[string]any

// IsSet 判断一个值是否算作“已设置”。
func IsSet(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(x) != ""
	case []string:
		return len(x) > 0
	case []any:
		return len(x) > 0
	default:
		return true
	}
}

// MergeData 按 supersede 规则把 delta 合并到 dst：
// 只有 delta 中已设置的字段才会覆盖，缺失或空值永远不会清空已有字段。
func MergeData(dst, delta StructuredData) {
	for k, v := range delta {
		if !IsSet(v) {
			continue
		}
		dst[k] = cloneValue(v)
	}
}

// Complete 判断 required 中的字段是否都已设置。该值只做推导，不单独存储。
func Complete(data StructuredData, required []string) bool {
	for _, f := range required {
		if !IsSet(data[f]) {
			return false
		}
	}
	return true
}

// Missing 返回 required 中尚未设置的字段，保持 required 的顺序。
func Missing(data StructuredData, required []string) []string {
	var out []string
	for _, f := range required {
		if !IsSet(data[f]) {
			out = append(out, f)
		}
	}
	return out
}

// Get 读取字符串字段。
func (d StructuredData) Get(key string) string {
	if s, ok := d[key].(string); ok {
		return s
	}
	return ""
}

// Keys 返回排好序的已设置字段名。
func (d StructuredData) Keys() []string {
	keys := make([]string, 0, len(d))
	for k, v := range d {
		if IsSet(v) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (d StructuredData) Clone() StructuredData {
	if d == nil {
		return nil
	}
	out := make(StructuredData, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

// UnmarshalJSON 把 JSON 解码后的通用类型还原成约定的取值类型，
// 保证检查点往返之后状态与写入前相等。
func (d *StructuredData) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(StructuredData, len(raw))
	for k, v := range raw {
		out[k] = normalizeValue(v)
	}
	*d = out
	return nil
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case []any:
		list := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok {
				list = append(list, s)
			}
		}
		return list
	case float64:
		if x == math.Trunc(x) {
			return int(x)
		}
		return x
	default:
		return v
	}
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case []string:
		return append([]string(nil), x...)
	case []any:
		return normalizeValue(x)
	default:
		return v
	}
}
