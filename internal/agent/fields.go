package agent

import (
	"github.com/wwwzy/CoachAgent/internal/extract"
)

// Onboarding 抽取的字段名。
const (
	FieldLifeStage          = "life_stage"
	FieldProfession         = "profession"
	FieldAgeRange           = "age_range"
	FieldHobbies            = "hobbies"
	FieldFamilyStatus       = "family_status"
	FieldFinancialGoals     = "financial_goals"
	FieldFinancialInterests = "financial_interests"
	FieldFinancialConcerns  = "financial_concerns"
	FieldKnowledgeLevel     = "financial_knowledge_level"
	FieldPreviousExperience = "previous_experience"
)

const profileToolName = "record_onboarding_data"

// DefaultRequiredFields 为判断 Onboarding 是否完成的默认必填字段。
var DefaultRequiredFields = []string{
	FieldLifeStage,
	FieldProfession,
	FieldAgeRange,
	FieldFinancialGoals,
	FieldKnowledgeLevel,
}

var onboardingFields = []extract.Field{
	{
		Name: FieldLifeStage,
		Type: extract.Enum,
		Enum: []string{"Student", "Professional", "Retired", "Parent"},
		Desc: "The user's current stage of life. Helps adapt financial education to their situation.",
	},
	{
		Name: FieldProfession,
		Type: extract.String,
		Desc: "The user's current profession or occupation, as the user describes it.",
	},
	{
		Name: FieldAgeRange,
		Type: extract.Enum,
		Enum: []string{"0-9", "10-19", "20-29", "30-39", "40-49", "50-59", "60-69", "70-79", "80+"},
		Desc: "The user's age range. Map an exact age to its range (28 -> 20-29).",
	},
	{
		Name: FieldHobbies,
		Type: extract.StringList,
		Desc: "Hobbies or personal interests, used to personalize examples.",
	},
	{
		Name: FieldFamilyStatus,
		Type: extract.Enum,
		Enum: []string{"Single", "Married", "Divorced", "With children"},
		Desc: "The user's family or relationship status.",
	},
	{
		Name: FieldFinancialGoals,
		Type: extract.StringList,
		Desc: "Financial goals, e.g. saving for a house, paying off debt, building an emergency fund.",
	},
	{
		Name: FieldFinancialInterests,
		Type: extract.StringList,
		Desc: "Financial topics the user wants to learn about, e.g. investing, budgeting.",
	},
	{
		Name: FieldFinancialConcerns,
		Type: extract.StringList,
		Desc: "Worries or pain points about money.",
	},
	{
		Name: FieldKnowledgeLevel,
		Type: extract.Enum,
		Enum: []string{"Basic", "Intermediate", "Advanced", "Unknown"},
		Desc: "Self-assessed knowledge of personal finance. Use Unknown only if the user says they cannot tell.",
	},
	{
		Name: FieldPreviousExperience,
		Type: extract.StringList,
		Desc: "Previous experience with financial products, e.g. savings account, stocks, credit card.",
	},
}

// OnboardingSchema 返回 Onboarding 的抽取 Schema，required 为空时使用默认必填字段。
func OnboardingSchema(required []string) extract.Schema {
	if len(required) == 0 {
		required = DefaultRequiredFields
	}
	return extract.Schema{
		Name:     profileToolName,
		Desc:     "Record profile information the user shared during onboarding.",
		Fields:   append([]extract.Field(nil), onboardingFields...),
		Required: append([]string(nil), required...),
	}
}

// OnboardingFieldNames 返回全部可抽取字段名，用于校验配置。
func OnboardingFieldNames() []string {
	out := make([]string, 0, len(onboardingFields))
	for _, f := range onboardingFields {
		out = append(out, f.Name)
	}
	return out
}
