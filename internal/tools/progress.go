package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/wwwzy/CoachAgent/internal/state"
)

const ProgressToolName = "update_activity_progress"

var errNoScope = errors.New("no activity scope on context")

// ProgressTool 更新活动步骤的完成状态。
//
// 支持单条 {"step_index":2,"status":"Completed"} 和批量 {"steps":[...]} 两种参数。
// 任一条目不合法则整体拒绝，进度保持不变。
type ProgressTool struct{}

func (t *ProgressTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	statuses := make([]string, 0, len(state.StepStatuses))
	for _, s := range state.StepStatuses {
		statuses = append(statuses, string(s))
	}
	return &schema.ToolInfo{
		Name: ProgressToolName,
		Desc: "Update the progress of one or more steps of the current activity. " +
			"Call this whenever the user starts or finishes a step.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"step_index": {
				Desc:     "1-based index of the activity step",
				Type:     schema.Integer,
				Required: false,
			},
			"status": {
				Desc:     "New status of the step",
				Type:     schema.String,
				Enum:     statuses,
				Required: false,
			},
			"steps": {
				Desc: "Batch form: several step updates at once",
				Type: schema.Array,
				ElemInfo: &schema.ParameterInfo{
					Type: schema.Object,
					SubParams: map[string]*schema.ParameterInfo{
						"step_index": {Type: schema.Integer, Required: true},
						"status":     {Type: schema.String, Enum: statuses, Required: true},
					},
				},
				Required: false,
			},
		}),
	}, nil
}

type progressEntry struct {
	StepIndex any    `json:"step_index"`
	Status    string `json:"status"`
}

type progressArgs struct {
	progressEntry
	Steps []progressEntry `json:"steps"`
}

func (t *ProgressTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	sc, ok := ScopeFrom(ctx)
	if !ok {
		return "", errNoScope
	}
	act := sc.Activity()
	if act == nil || len(act.Steps) == 0 {
		return "", argErr(ProgressToolName, "there is no active activity")
	}

	var args progressArgs
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return "", argErr(ProgressToolName, "arguments are not valid JSON: %v", err)
	}
	entries := args.Steps
	if args.StepIndex != nil || args.Status != "" {
		entries = append([]progressEntry{args.progressEntry}, entries...)
	}
	if len(entries) == 0 {
		return "", argErr(ProgressToolName, "provide step_index and status, or a steps list")
	}

	updates := state.Progress{}
	for i, e := range entries {
		idx, err := stepIndex(e.StepIndex)
		if err != nil {
			return "", argErr(ProgressToolName, "entry %d: %v", i+1, err)
		}
		if !act.HasStep(idx) {
			return "", argErr(ProgressToolName, "step_index %d is out of range (1-%d)", idx, len(act.Steps))
		}
		st, err := state.ParseStepStatus(e.Status)
		if err != nil {
			return "", argErr(ProgressToolName, "step %d: %v", idx, err)
		}
		updates[idx] = st
	}
	sc.SetProgress(updates)

	out := map[string]any{
		"updated":  progressView(updates),
		"progress": progressView(sc.Progress()),
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(raw), nil
}

func stepIndex(v any) (int, error) {
	switch x := v.(type) {
	case nil:
		return 0, errors.New("step_index is required")
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("step_index must be an integer, got %v", x)
		}
		return int(x), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("step_index must be an integer, got %q", x)
		}
		return n, nil
	}
	return 0, fmt.Errorf("step_index must be an integer, got %T", v)
}

// JSON 的对象键只能是字符串
func progressView(p state.Progress) map[string]string {
	out := make(map[string]string, len(p))
	for _, idx := range p.Indexes() {
		out[strconv.Itoa(idx)] = string(p[idx])
	}
	return out
}
