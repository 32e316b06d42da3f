package raymond

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// TransitionType identifies one of the six recognized transition tags.
type TransitionType string

const (
	TransitionGoto     TransitionType = "goto"
	TransitionReset    TransitionType = "reset"
	TransitionCall     TransitionType = "call"
	TransitionFunction TransitionType = "function"
	TransitionFork     TransitionType = "fork"
	TransitionResult   TransitionType = "result"
)

// transitionTags lists every tag the parser recognizes, in canonical order.
var transitionTags = []TransitionType{
	TransitionGoto, TransitionReset, TransitionCall,
	TransitionFunction, TransitionFork, TransitionResult,
}

// Transition is one parsed transition tag.
//
// For every tag except result, Target is the state filename the transition
// names (whitespace-trimmed). For result, Target is the literal payload text,
// preserved byte for byte.
type Transition struct {
	Type   TransitionType
	Target string
	// Return is the caller's resume state. Required for call and function.
	Return string
	// Next is the parent's next state. Required for fork.
	Next string
	// Dir is the cd="..." attribute of reset and fork.
	Dir string
	// Attrs holds a fork's extra attributes (everything but next and cd).
	// They become the worker's fork attributes. Nil for other tags.
	Attrs map[string]string
}

// reserved fork attribute names that never leak into worker fork attributes.
const (
	attrNext   = "next"
	attrCD     = "cd"
	attrReturn = "return"
)

// tagPatterns maps each tag to a regex matching its opening form. Go's RE2
// has no backreferences, so the matching close tag is located manually.
var tagPatterns = func() map[TransitionType]*regexp.Regexp {
	m := make(map[TransitionType]*regexp.Regexp, len(transitionTags))
	for _, tag := range transitionTags {
		m[tag] = regexp.MustCompile(`<` + string(tag) + `((?:\s+[A-Za-z_][\w-]*\s*=\s*"[^"]*")*)\s*>`)
	}
	return m
}()

var attrPattern = regexp.MustCompile(`([A-Za-z_][\w-]*)\s*=\s*"([^"]*)"`)

// ParseTransitions extracts every well-formed transition tag from text, in
// document order. Tags may appear anywhere; content may span lines. An
// opening tag without its matching close is ignored (models mention tags in
// prose). A tag that is present but invalid — missing a required attribute or
// naming an unsafe target — fails the whole parse, since the caller cannot
// know which transition was intended.
func ParseTransitions(text string) ([]Transition, error) {
	type located struct {
		pos int
		t   Transition
	}
	var found []located

	for _, tag := range transitionTags {
		closeTag := "</" + string(tag) + ">"
		for _, loc := range tagPatterns[tag].FindAllStringSubmatchIndex(text, -1) {
			openEnd := loc[1]
			rel := strings.Index(text[openEnd:], closeTag)
			if rel < 0 {
				continue
			}
			content := text[openEnd : openEnd+rel]
			attrs := parseAttrs(text[loc[2]:loc[3]])
			t, err := buildTransition(tag, content, attrs)
			if err != nil {
				return nil, err
			}
			found = append(found, located{pos: loc[0], t: t})
		}
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].pos < found[j].pos })
	out := make([]Transition, len(found))
	for i, f := range found {
		out[i] = f.t
	}
	return out, nil
}

// parseAttrs extracts name="value" pairs from the opening tag's attribute
// text. Tolerant: anything that does not look like an attribute is skipped.
func parseAttrs(s string) map[string]string {
	matches := attrPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(matches))
	for _, m := range matches {
		attrs[m[1]] = m[2]
	}
	return attrs
}

// buildTransition validates content and attributes for one tag occurrence.
func buildTransition(tag TransitionType, content string, attrs map[string]string) (Transition, error) {
	t := Transition{Type: tag}

	if tag == TransitionResult {
		t.Target = content // payload, never trimmed
		return t, nil
	}

	t.Target = strings.TrimSpace(content)
	if err := CheckTargetSafe(t.Target); err != nil {
		return Transition{}, err
	}

	switch tag {
	case TransitionGoto:
		// No meaningful attributes.
	case TransitionReset:
		t.Dir = attrs[attrCD]
	case TransitionCall, TransitionFunction:
		ret, ok := attrs[attrReturn]
		if !ok || strings.TrimSpace(ret) == "" {
			return Transition{}, &ErrTransitionParse{Reason: fmt.Sprintf("%s tag requires return=%q attribute", tag, "...")}
		}
		t.Return = strings.TrimSpace(ret)
		if err := CheckTargetSafe(t.Return); err != nil {
			return Transition{}, err
		}
	case TransitionFork:
		next, ok := attrs[attrNext]
		if !ok || strings.TrimSpace(next) == "" {
			return Transition{}, &ErrTransitionParse{Reason: `fork tag requires next="..." attribute`}
		}
		t.Next = strings.TrimSpace(next)
		if err := CheckTargetSafe(t.Next); err != nil {
			return Transition{}, err
		}
		t.Dir = attrs[attrCD]
		for k, v := range attrs {
			if k == attrNext || k == attrCD {
				continue
			}
			if t.Attrs == nil {
				t.Attrs = make(map[string]string)
			}
			t.Attrs[k] = v
		}
	}
	return t, nil
}

// CheckTargetSafe rejects state names that could escape the scope directory:
// empty names, path separators, and parent references.
func CheckTargetSafe(target string) error {
	if target == "" {
		return &ErrTransitionParse{Reason: "empty transition target"}
	}
	if strings.ContainsAny(target, `/\`) || strings.Contains(target, "..") {
		return &ErrTargetUnsafe{Target: target}
	}
	return nil
}

// Serialize renders t back to tag form. parse(serialize(t)) round-trips for
// every constructible transition; the reminder prompt also uses this to show
// the model what a permitted emission looks like.
func (t Transition) Serialize() string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(string(t.Type))
	switch t.Type {
	case TransitionCall, TransitionFunction:
		fmt.Fprintf(&b, " return=%q", t.Return)
	case TransitionFork:
		fmt.Fprintf(&b, " next=%q", t.Next)
		if t.Dir != "" {
			fmt.Fprintf(&b, " cd=%q", t.Dir)
		}
		for _, k := range sortedKeys(t.Attrs) {
			fmt.Fprintf(&b, " %s=%q", k, t.Attrs[k])
		}
	case TransitionReset:
		if t.Dir != "" {
			fmt.Fprintf(&b, " cd=%q", t.Dir)
		}
	}
	b.WriteByte('>')
	b.WriteString(t.Target)
	b.WriteString("</")
	b.WriteString(string(t.Type))
	b.WriteByte('>')
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
