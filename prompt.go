package raymond

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/text/unicode/norm"
)

// LoadState reads a state file from the scope directory and returns its
// contents as NFC-normalized UTF-8. The filename must be a bare name;
// anything carrying a path separator or parent reference is refused before
// touching the filesystem.
func LoadState(scope, filename string) (string, error) {
	if err := CheckTargetSafe(filename); err != nil {
		return "", &ErrPromptFile{Name: filename, Reason: "unsafe filename"}
	}
	raw, err := os.ReadFile(filepath.Join(scope, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return "", &ErrPromptFile{Name: filename, Reason: "not found"}
		}
		return "", &ErrPromptFile{Name: filename, Reason: err.Error()}
	}
	if !utf8.Valid(raw) {
		return "", &ErrPromptFile{Name: filename, Reason: "not valid UTF-8"}
	}
	return norm.NFC.String(string(raw)), nil
}

// Render substitutes {{key}} placeholders in template with the string form
// of each variable. Substitution is single-pass and non-recursive: values
// containing {{...}} are not expanded again, and placeholders with no
// matching variable remain literally in the output. No escaping exists.
func Render(template string, vars map[string]any) string {
	if len(vars) == 0 {
		return template
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", coerce(v))
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// coerce converts a template variable to its canonical string form.
func coerce(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}

// StateTitle derives a short human-facing title from a prompt body: the text
// of the first markdown heading, or fallback when the body has none. The
// title observer puts this in the terminal title bar.
func StateTitle(body, fallback string) string {
	source := []byte(body)
	root := goldmark.DefaultParser().Parse(text.NewReader(source))
	var title string
	ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok {
			var b strings.Builder
			for c := h.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					b.Write(t.Segment.Value(source))
				}
			}
			title = strings.TrimSpace(b.String())
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	if title == "" {
		return fallback
	}
	return title
}
