package termpilot

import "strings"

// TaskComplexity buckets a task for planning purposes.
type TaskComplexity string

const (
	ComplexitySimple   TaskComplexity = "simple"
	ComplexityModerate TaskComplexity = "moderate"
	ComplexityComplex  TaskComplexity = "complex"
)

// complexKeywords signal multi-step work regardless of task length.
var complexKeywords = []string{
	"deploy", "migrate", "install and configure", "set up", "setup",
	"troubleshoot", "diagnose", "benchmark", "backup and", "all servers",
	"every host", "部署", "迁移", "排查", "搭建",
}

// EstimateComplexity guesses task complexity from length and phrasing.
// Simple tasks skip the planning instruction entirely.
func EstimateComplexity(task string) TaskComplexity {
	t := strings.ToLower(strings.TrimSpace(task))
	if t == "" {
		return ComplexitySimple
	}
	for _, kw := range complexKeywords {
		if strings.Contains(t, kw) {
			return ComplexityComplex
		}
	}
	words := len(strings.Fields(t))
	conjunctions := strings.Count(t, " and ") + strings.Count(t, " then ") +
		strings.Count(t, "然后") + strings.Count(t, "并且") + strings.Count(t, ";")
	switch {
	case words > 40 || conjunctions >= 2:
		return ComplexityComplex
	case words > 12 || conjunctions == 1:
		return ComplexityModerate
	default:
		return ComplexitySimple
	}
}

// PlanningInstruction returns the instruction appended to the task that
// tells the model whether and how to plan. Empty for simple tasks.
func PlanningInstruction(complexity TaskComplexity) string {
	switch complexity {
	case ComplexityComplex:
		return "This task has multiple stages. Before executing, call create_plan with up to 10 concrete steps, then keep each step's status current with update_plan as you work."
	case ComplexityModerate:
		return "If this task needs more than two distinct actions, call create_plan first and track progress with update_plan."
	default:
		return ""
	}
}
