package agent

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"gopkg.in/yaml.v3"

	"github.com/wwwzy/CoachAgent/internal/state"
)

// 提示词变体，记录在 ConversationState.Variant 中。
const (
	VariantCollecting = "collecting"
	VariantCompleted  = "completed"
	VariantActivity   = "activity"
)

// CollectingPromptTemplate 定义收集信息阶段的系统提示词
// 包含动态变量: {user_name}, {collected}, {missing}, {date}
const CollectingPromptTemplate = `You are CoachAgent, a friendly and empathetic personal finance coach.
Your main goal is to help {user_name} understand personal finance concepts in a simple and relatable way.

Guide the conversation to collect the onboarding information that is still missing.
Follow this order when it feels natural: life stage, profession, age range. Be flexible if the conversation flows elsewhere.
Ask only ONE open-ended question at a time and wait for the answer. Never make it feel like filling out a form.

Information collected so far:
<collected_information>
{collected}
</collected_information>

Information still missing:
<missing_information>
{missing}
</missing_information>

Use what you already know to personalize examples. Never give specific investment, legal, or tax advice.
Do not tell the user onboarding is complete while information is missing.

Today is {date}.`

// CompletedPromptTemplate 定义信息收集完成后的告别提示词
// 包含动态变量: {user_name}, {collected}
const CompletedPromptTemplate = `You are CoachAgent, a friendly and empathetic personal finance coach helping {user_name}.
You have collected all the information needed to complete onboarding:
<collected_information>
{collected}
</collected_information>

Tell the user, warmly and briefly, that onboarding is complete and summarize what you learned about them.
Say you are excited to help them reach their goals and that customized learning activities are coming next.`

// ActivityPromptTemplate 定义活动引导阶段的系统提示词
// 包含动态变量: {user_name}, {profile}, {activity}, {progress}, {tool}
const ActivityPromptTemplate = `You are CoachAgent, an expert and adaptive financial learning companion guiding {user_name}
step by step through a personalized financial activity.

How to respond:
- Keep answers short, interactive and practical. Ask only one clear question per turn.
- State which step the user is on. Explain why the step matters, give concrete instructions and a brief example from their background.
- If the user is stuck, offer one alternative method at a time. Use the glossary for definitions.
- Celebrate completed steps and move on to the next one. Support skipping or revisiting steps.
- The activity details are visible to the user, do not repeat them unless asked.

Progress rules:
- Call {tool} immediately whenever the status of any step changes (started, completed, skipped, reopened).
- Do not call it when nothing changed. Step indexes are 1-based.

<onboarding_data>
{profile}
</onboarding_data>

<activity>
{activity}
</activity>

<progress>
{progress}
</progress>`

func newChatTemplate(system string) prompt.ChatTemplate {
	return prompt.FromMessages(schema.FString,
		schema.SystemMessage(system),
		// "history" 是参数名，true 表示该字段是可选的
		schema.MessagesPlaceholder("history", true),
	)
}

// renderYAML 把上下文渲染成 yaml，供提示词中的上下文块使用。
func renderYAML(v any) string {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimRight(string(raw), "\n")
}

func renderCollected(data state.StructuredData) string {
	if len(data.Keys()) == 0 {
		return "(nothing yet)"
	}
	view := make(map[string]any, len(data))
	for _, k := range data.Keys() {
		view[k] = data[k]
	}
	return renderYAML(view)
}

func renderMissing(missing []string) string {
	if len(missing) == 0 {
		return "(none)"
	}
	return "- " + strings.Join(missing, "\n- ")
}

func renderProfile(profile state.StructuredData) string {
	if len(profile.Keys()) == 0 {
		return "(no onboarding data)"
	}
	return renderCollected(profile)
}

func renderProgress(a *state.Activity, p state.Progress) string {
	type stepView struct {
		Index  int    `yaml:"index"`
		Title  string `yaml:"title"`
		Status string `yaml:"status"`
	}
	out := make([]stepView, 0, len(a.Steps))
	for _, st := range a.Steps {
		status := p[st.Index]
		if status == "" {
			status = state.NotStarted
		}
		out = append(out, stepView{Index: st.Index, Title: st.Title, Status: string(status)})
	}
	return renderYAML(out)
}

func userName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "the user"
	}
	return name
}
