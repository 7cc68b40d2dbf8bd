package setfarm

import (
	"fmt"
	"regexp"
)

// Template variables injected by the engine beyond prior step outputs.
const (
	VarTask        = "TASK"
	VarStoryID     = "STORY_ID"
	VarStoryTitle  = "STORY_TITLE"
	VarStoryInput  = "STORY_INPUT"
	VarStoryOutput = "STORY_OUTPUT"
)

var placeholder = regexp.MustCompile(`\{\{([A-Z][A-Z0-9_]*)\}\}`)

// ResolveInput substitutes {{KEY}} placeholders in a step's input template
// with values from vars. A key with no value resolves to the literal
// "[missing: KEY]" so the agent fails cleanly instead of papering over a
// gap in its instructions.
func ResolveInput(template string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return fmt.Sprintf("[missing: %s]", key)
	})
}

// runVars collects the template context available to a step at activation:
// the task description plus every declared output of earlier done steps,
// later steps overriding earlier ones on key collision.
func runVars(task string, steps []*Step, beforeIndex int) map[string]string {
	vars := map[string]string{VarTask: task}
	for _, s := range steps {
		if s.StepIndex >= beforeIndex || s.Status != StepDone {
			continue
		}
		for k, v := range ParseOutputs(s.Output) {
			vars[k] = v
		}
	}
	return vars
}

// storyVars extends a run context with the per-story variables used when
// materializing story inputs and resolving verifier instructions.
func storyVars(base map[string]string, seed StorySeed) map[string]string {
	vars := make(map[string]string, len(base)+3)
	for k, v := range base {
		vars[k] = v
	}
	vars[VarStoryID] = seed.StoryID
	vars[VarStoryTitle] = seed.Title
	vars[VarStoryInput] = seed.Input
	return vars
}
