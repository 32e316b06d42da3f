package raymond

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// StateKind distinguishes the two executable state forms.
type StateKind int

const (
	// KindPrompt is a natural-language state interpreted by the coding agent.
	KindPrompt StateKind = iota
	// KindScript is a shell script executed directly.
	KindScript
)

func (k StateKind) String() string {
	if k == KindScript {
		return "script"
	}
	return "prompt"
}

// ResolvedState is the concrete file backing an abstract state name.
type ResolvedState struct {
	// Name is the resolved filename within the scope directory, extension
	// included.
	Name string
	// Path is the absolute location of the file.
	Path string
	Kind StateKind
}

// scriptExt returns the native script extension for the platform.
func scriptExt(goos string) string {
	if goos == "windows" {
		return ".bat"
	}
	return ".sh"
}

// ResolveState maps an abstract state name (possibly missing its extension)
// to the single concrete file implementing it in the scope directory.
//
// A name carrying an explicit extension skips the search: that exact file
// must exist and must be native to the platform (.sh on POSIX, .bat on
// Windows). Otherwise {name}.md and {name}.{sh|bat} are both tried; exactly
// one must exist — zero is not found, two is ambiguous.
func ResolveState(scope, name string) (ResolvedState, error) {
	return resolveStateOS(scope, name, runtime.GOOS)
}

func resolveStateOS(scope, name, goos string) (ResolvedState, error) {
	if err := CheckTargetSafe(name); err != nil {
		return ResolvedState{}, err
	}
	native := scriptExt(goos)

	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".md", ".sh", ".bat":
		if ext != ".md" && ext != native {
			return ResolvedState{}, &ErrResolution{Name: name, Reason: "script extension " + ext + " is not native to this platform"}
		}
		path := filepath.Join(scope, name)
		if !fileExists(path) {
			return ResolvedState{}, &ErrResolution{Name: name, Reason: "not found"}
		}
		return ResolvedState{Name: name, Path: path, Kind: kindForExt(ext)}, nil
	}

	var matches []ResolvedState
	for _, ext := range []string{".md", native} {
		candidate := name + ext
		path := filepath.Join(scope, candidate)
		if fileExists(path) {
			matches = append(matches, ResolvedState{Name: candidate, Path: path, Kind: kindForExt(ext)})
		}
	}
	switch len(matches) {
	case 0:
		return ResolvedState{}, &ErrResolution{Name: name, Reason: "not found"}
	case 1:
		return matches[0], nil
	default:
		return ResolvedState{}, &ErrResolution{Name: name, Reason: "ambiguous"}
	}
}

func kindForExt(ext string) StateKind {
	if ext == ".md" {
		return KindPrompt
	}
	return KindScript
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
