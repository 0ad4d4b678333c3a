package prompts

import (
	"regexp"
	"strings"

	types "github.com/yungbote/dialectic-backend/internal/domain"
)

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Fill replaces {{name}} placeholders. Unknown names are left as written.
func Fill(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// Vars merges overlay values with the built-in names. Built-ins win.
func Vars(project *types.Project, stage string, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(overlay)+3)
	for k, v := range overlay {
		out[k] = v
	}
	out["domain"] = ContextTag(project)
	out["stage"] = stage
	if project != nil {
		out["user_objective"] = project.InitialUserPrompt
	}
	return out
}

func Render(stageName, template string, vars map[string]string, input string) string {
	var b strings.Builder
	b.WriteString("Rendered System Prompt for ")
	b.WriteString(stageName)
	b.WriteString(":\n")
	b.WriteString(Fill(template, vars))
	b.WriteString("\n\nInitial User Prompt:\n")
	b.WriteString(input)
	return b.String()
}
