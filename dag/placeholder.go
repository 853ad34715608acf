package dag

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// Placeholder namespaces.
const (
	nsParams  = "params"
	nsInputs  = "inputs"
	nsOutputs = "outputs"
	nsSteps   = "steps"
)

// placeholder is one parsed {{...}} expression. For steps.ID.outputs.NAME
// the namespace is nsSteps and ref is set.
type placeholder struct {
	ns   string
	name string
	ref  OutputRef
}

func parsePlaceholder(expr string) (placeholder, error) {
	if parts := strings.Split(expr, "."); parts[0] == nsSteps {
		if len(parts) == 4 && parts[2] == nsOutputs && parts[1] != "" && parts[3] != "" {
			ref := OutputRef{StepID: parts[1], Output: parts[3]}
			return placeholder{ns: nsSteps, name: ref.String(), ref: ref}, nil
		}
		return placeholder{}, fmt.Errorf("unsupported placeholder {{%s}}", expr)
	}
	ns, name, ok := strings.Cut(expr, ".")
	if ok && name != "" && (ns == nsParams || ns == nsInputs || ns == nsOutputs) {
		return placeholder{ns: ns, name: name}, nil
	}
	return placeholder{}, fmt.Errorf("unsupported placeholder {{%s}}", expr)
}

// scanPlaceholders returns every placeholder in s.
func scanPlaceholders(s string) ([]placeholder, error) {
	var out []placeholder
	for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
		p, err := parsePlaceholder(m[1])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// expandPlaceholders replaces every placeholder for which fn returns ok;
// the others are left untouched.
func expandPlaceholders(s string, fn func(p placeholder) (string, bool)) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		p, err := parsePlaceholder(placeholderPattern.FindStringSubmatch(m)[1])
		if err != nil {
			return m
		}
		if v, ok := fn(p); ok {
			return v
		}
		return m
	})
}

// paramOnly returns the parameter name when s consists of exactly one
// {{params.NAME}} placeholder.
func paramOnly(s string) (string, bool) {
	m := placeholderPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil || m[0] != strings.TrimSpace(s) {
		return "", false
	}
	p, err := parsePlaceholder(m[1])
	if err != nil || p.ns != nsParams {
		return "", false
	}
	return p.name, true
}

// ExpandPaths substitutes {{inputs.NAME}} and {{outputs.NAME}} with files
// under inputDir and outputDir.
func ExpandPaths(s, inputDir, outputDir string) string {
	return expandStep(s, nil, inputDir, outputDir)
}

// expandStep substitutes parameters and paths in a single pass, so a
// parameter value is inserted literally and never expanded again.
func expandStep(s string, b Bindings, inputDir, outputDir string) string {
	return expandPlaceholders(s, func(p placeholder) (string, bool) {
		switch p.ns {
		case nsParams:
			return b.Text(p.name)
		case nsInputs:
			return inputDir + "/" + p.name, true
		case nsOutputs:
			return outputDir + "/" + p.name, true
		}
		return "", false
	})
}

// expandParams substitutes {{params.NAME}} with bound values.
func expandParams(s string, b Bindings) string {
	return expandPlaceholders(s, func(p placeholder) (string, bool) {
		if p.ns != nsParams {
			return "", false
		}
		return b.Text(p.name)
	})
}

// rewriteStepRefs turns {{steps.ID.outputs.NAME}} into {{inputs.ID.NAME}}.
func rewriteStepRefs(s string) string {
	return expandPlaceholders(s, func(p placeholder) (string, bool) {
		if p.ns != nsSteps {
			return "", false
		}
		return "{{inputs." + p.name + "}}", true
	})
}
