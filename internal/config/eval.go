package config

import (
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/vk/gridci/internal/fsutil"
	"github.com/vk/gridci/internal/matrix"
)

func findHCLFiles(root string) ([]string, error) {
	return fsutil.FindFilesByExtension(root, ".hcl")
}

// StepState is the view of a completed step exposed to later expressions as
// steps.<name>.{failed,succeeded,skipped}.
type StepState struct {
	Failed    bool
	Succeeded bool
	Skipped   bool
}

// JobContext builds the evaluation context for expressions in a concrete
// job: the variable job.<axis> holds that job's axis values.
func JobContext(job matrix.JobSpec) *hcl.EvalContext {
	values := make(map[string]cty.Value, len(job.Values))
	for name, value := range job.Values {
		values[name] = cty.StringVal(value)
	}
	vars := map[string]cty.Value{}
	if len(values) > 0 {
		vars["job"] = cty.ObjectVal(values)
	}
	return &hcl.EvalContext{Variables: vars}
}

// WithStepStates returns a child context that additionally exposes the
// results of earlier steps under the steps variable.
func WithStepStates(base *hcl.EvalContext, states map[string]StepState) *hcl.EvalContext {
	child := base.NewChild()
	child.Variables = map[string]cty.Value{}
	if len(states) == 0 {
		return child
	}
	stepVals := make(map[string]cty.Value, len(states))
	for name, state := range states {
		stepVals[name] = cty.ObjectVal(map[string]cty.Value{
			"failed":    cty.BoolVal(state.Failed),
			"succeeded": cty.BoolVal(state.Succeeded),
			"skipped":   cty.BoolVal(state.Skipped),
		})
	}
	child.Variables["steps"] = cty.ObjectVal(stepVals)
	return child
}

// EvalString evaluates expr to a string in the given context.
func EvalString(expr hcl.Expression, ctx *hcl.EvalContext) (string, error) {
	val, diags := expr.Value(ctx)
	if diags.HasErrors() {
		return "", diags
	}
	val, err := convert.Convert(val, cty.String)
	if err != nil {
		return "", fmt.Errorf("expected a string: %w", err)
	}
	if val.IsNull() {
		return "", fmt.Errorf("expected a string, got null")
	}
	return val.AsString(), nil
}

// EvalBool evaluates expr to a boolean in the given context.
func EvalBool(expr hcl.Expression, ctx *hcl.EvalContext) (bool, error) {
	val, diags := expr.Value(ctx)
	if diags.HasErrors() {
		return false, diags
	}
	val, err := convert.Convert(val, cty.Bool)
	if err != nil {
		return false, fmt.Errorf("expected a boolean: %w", err)
	}
	if val.IsNull() {
		return false, fmt.Errorf("expected a boolean, got null")
	}
	return val.True(), nil
}

// EvalStringMap evaluates expr to a string-to-string mapping. A nil
// expression or a null value yields an empty map.
func EvalStringMap(expr hcl.Expression, ctx *hcl.EvalContext) (map[string]string, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(ctx)
	if diags.HasErrors() {
		return nil, diags
	}
	if val.IsNull() {
		return nil, nil
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, fmt.Errorf("expected a mapping, got %s", val.Type().FriendlyName())
	}

	out := make(map[string]string)
	for it := val.ElementIterator(); it.Next(); {
		k, v := it.Element()
		v, err := convert.Convert(v, cty.String)
		if err != nil || v.IsNull() {
			return nil, fmt.Errorf("mapping value for %q must be a string", k.AsString())
		}
		out[k.AsString()] = v.AsString()
	}
	return out, nil
}

// Resolve evaluates the runtime declaration for one job, returning the
// runtime version and the pinned package versions in a deterministic
// (sorted-name) order via SortedNames.
func (r *Runtime) Resolve(job matrix.JobSpec) (version string, packages map[string]string, err error) {
	ctx := JobContext(job)
	version, err = EvalString(r.Version, ctx)
	if err != nil {
		return "", nil, fmt.Errorf("resolving runtime version: %w", err)
	}
	packages, err = EvalStringMap(r.Packages, ctx)
	if err != nil {
		return "", nil, fmt.Errorf("resolving runtime packages: %w", err)
	}
	return version, packages, nil
}

// SortedNames returns the keys of a package mapping in sorted order, so
// installation order is deterministic.
func SortedNames(packages map[string]string) []string {
	names := make([]string, 0, len(packages))
	for name := range packages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
