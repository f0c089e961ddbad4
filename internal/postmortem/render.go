package postmortem

import (
	"strings"
	"text/template"
	"time"

	"github.com/aegisstack/aegis-ir/internal/models"
)

const documentTemplate = `# Postmortem: {{.Title}}

Generated {{stamp .GeneratedAt}}

## Summary

{{.Summary}}

## Root Cause

{{.RootCause}}

## Timeline

{{range .Timeline}}- {{stamp .Time}} {{.Event}}{{if .Service}} [{{.Service}}]{{end}}
{{end}}
## Narrative

{{.Narrative}}
{{if .ActionItems}}
## Action Items

{{range .ActionItems}}- [ ] {{.}}
{{end}}{{end}}`

var docTmpl = template.Must(template.New("postmortem").Funcs(template.FuncMap{
	"stamp": func(t time.Time) string {
		return t.UTC().Format("2006-01-02 15:04:05 UTC")
	},
}).Parse(documentTemplate))

// Render produces the final markdown document for a postmortem.
func Render(doc models.Postmortem) (string, error) {
	var b strings.Builder
	if err := docTmpl.Execute(&b, doc); err != nil {
		return "", err
	}
	return b.String(), nil
}
