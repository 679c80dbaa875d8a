package tool

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gollem"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
)

// Validate checks args against the parameter schema of spec with gollem's
// parameter validation and rejects arguments the schema does not declare.
// All problems are reported together in one ErrToolValidation error.
func Validate(spec gollem.ToolSpec, args map[string]any) error {
	names := make([]string, 0, len(spec.Parameters))
	for name := range spec.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	var problems []string
	for _, name := range names {
		if err := spec.Parameters[name].ValidateValue(name, args[name]); err != nil {
			problems = append(problems, describe(name, err))
		}
	}
	unknownArguments(spec.Parameters, args, "", &problems)

	if len(problems) == 0 {
		return nil
	}
	return goerr.Wrap(model.ErrToolValidation, strings.Join(problems, "; "),
		goerr.V(model.ToolNameKey, spec.Name))
}

// describe prefixes a gollem validation error with the path of the offending
// parameter, which gollem keeps only as an error value
func describe(name string, err error) string {
	path := name
	if p, ok := goerr.Values(err)["parameter"].(string); ok && p != "" {
		path = p
	}
	return fmt.Sprintf("%s: %s", path, err.Error())
}

func unknownArguments(params map[string]*gollem.Parameter, args map[string]any, prefix string, problems *[]string) {
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p, ok := params[name]
		if !ok {
			*problems = append(*problems, fmt.Sprintf("%s%s is not a known argument", prefix, name))
			continue
		}
		if obj, isObj := args[name].(map[string]any); isObj && p.Type == gollem.TypeObject && p.Properties != nil {
			unknownArguments(p.Properties, obj, prefix+name+".", problems)
		}
	}
}

// AsInt converts a decoded JSON number to int. Fractional values are rejected.
func AsInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
