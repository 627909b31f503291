// Package promise implements the resolver primitives that connect a step's
// declared inputs to the (possibly not-yet-available) outputs of upstream
// jobs: ResolveSource, StepValueFrom, DefaultWithSource, and JustAValue, plus
// the skip sentinel and link-merge/pick-value combinators they rely on.
package promise

import (
	"errors"
	"fmt"

	"github.com/me/gowe/internal/cwlexpr"
)

// SkipNull is a distinguished value marking the output of a conditionally
// skipped step. It is distinct from any legitimate CWL value, including nil;
// it is filtered to nil by FilterSkipNull before a workflow output becomes
// user-visible.
type SkipNull struct{}

// LinkMergeMode selects how multiple sources are combined before pick-value.
type LinkMergeMode string

const (
	LinkMergeNested     LinkMergeMode = "merge_nested"
	LinkMergeFlattened  LinkMergeMode = "merge_flattened"
)

// PickValueMode selects how a merged source list collapses to the consumed
// value.
type PickValueMode string

const (
	PickValueFirstNonNull   PickValueMode = "first_non_null"
	PickValueTheOnlyNonNull PickValueMode = "the_only_non_null"
	PickValueAllNonNull     PickValueMode = "all_non_null"
)

// ErrValidation is the sentinel wrapped by malformed-workflow errors: unknown
// link-merge/pick-value/scatter-method, a non-boolean conditional result, or
// an expression found where only a boolean literal is allowed.
var ErrValidation = errors.New("validation error")

// Resolvable is implemented by every resolver primitive: ResolveSource,
// StepValueFrom, DefaultWithSource, and JustAValue.
type Resolvable interface {
	Resolve() (any, error)
}

// JustAValue wraps a constant value that needs no resolution.
type JustAValue struct {
	Val any
}

func (j *JustAValue) Resolve() (any, error) { return j.Val, nil }

// Producer is anything that can yield the result record of a job once it has
// run: a map of output-key to value. The Workflow Translator (component E)
// supplies the concrete implementation; this package only needs the key
// lookup.
type Producer interface {
	// Result returns the producing job's output record. It is an error to
	// call this before the job has actually completed; callers in this
	// package never call it eagerly — only when a promise is resolved after
	// the DAG has determined the producer is ready.
	Result() (map[string]any, error)
}

// SourceTuple pairs a short (un-namespaced) source name with the Producer of
// the job that will eventually hold it.
type SourceTuple struct {
	Name     string
	Producer Producer
}

// ResolveSource resolves one or more upstream sources into this step input's
// value, applying link-merge (when there is more than one source, or
// linkMerge is explicitly set) and then pick-value.
type ResolveSource struct {
	Name          string
	LinkMerge     LinkMergeMode // empty means default (LinkMergeNested)
	PickValue     PickValueMode // empty means no pick-value step
	AsList        bool          // true if linkMerge was declared even with one source
	promiseTuples []SourceTuple
}

// NewResolveSource builds a ResolveSource over an ordered list of sources
// (order matters: it determines list-merge and crossproduct ordering).
// asList forces list semantics even for a single source (set when the input
// declares a linkMerge explicitly).
func NewResolveSource(name string, sources []SourceTuple, asList bool, linkMerge LinkMergeMode, pickValue PickValueMode) *ResolveSource {
	return &ResolveSource{
		Name:          name,
		LinkMerge:     linkMerge,
		PickValue:     pickValue,
		AsList:        asList,
		promiseTuples: sources,
	}
}

// Resolve implements Resolvable.
func (r *ResolveSource) Resolve() (any, error) {
	var result any
	if len(r.promiseTuples) > 1 || r.AsList {
		values := make([]any, 0, len(r.promiseTuples))
		for _, t := range r.promiseTuples {
			rec, err := t.Producer.Result()
			if err != nil {
				return nil, err
			}
			values = append(values, rec[t.Name])
		}
		merged, err := LinkMerge(values, r.LinkMerge, r.Name)
		if err != nil {
			return nil, err
		}
		result = merged
	} else if len(r.promiseTuples) == 1 {
		t := r.promiseTuples[0]
		rec, err := t.Producer.Result()
		if err != nil {
			return nil, err
		}
		result = rec[t.Name]
	}

	picked, err := PickValue(result, r.PickValue, r.Name)
	if err != nil {
		return nil, err
	}
	return FilterSkipNull(r.Name, picked), nil
}

// LinkMerge combines a list of per-source values per the declared mode.
// merge_nested (the default) leaves the list unchanged; merge_flattened
// concatenates one level of nested lists.
func LinkMerge(values []any, mode LinkMergeMode, name string) (any, error) {
	switch mode {
	case "", LinkMergeNested:
		return values, nil
	case LinkMergeFlattened:
		result := make([]any, 0, len(values))
		for _, v := range values {
			if list, ok := v.([]any); ok {
				result = append(result, list...)
			} else {
				result = append(result, v)
			}
		}
		return result, nil
	default:
		return nil, fmt.Errorf("%w: Unsupported linkMerge '%s' on %s.", ErrValidation, mode, name)
	}
}

// PickValue collapses a (possibly merged) value list per the declared mode.
// If mode is empty, values passes through unchanged, so PickValue("",
// SkipNull{}) returns the SkipNull itself. A bare SkipNull is turned into nil
// only when a mode is set; inside a list, SkipNull entries are dropped like
// nil ones.
func PickValue(values any, mode PickValueMode, name string) (any, error) {
	if mode == "" {
		return values, nil
	}
	if _, isSkip := values.(SkipNull); isSkip {
		return nil, nil
	}
	list, ok := values.([]any)
	if !ok {
		return values, nil
	}

	filtered := make([]any, 0, len(list))
	for _, v := range list {
		if _, isSkip := v.(SkipNull); isSkip {
			continue
		}
		if v == nil {
			continue
		}
		filtered = append(filtered, v)
	}

	switch mode {
	case PickValueFirstNonNull:
		if len(filtered) < 1 {
			return nil, fmt.Errorf("%s: first_non_null operator found no non-null values", name)
		}
		return filtered[0], nil
	case PickValueTheOnlyNonNull:
		if len(filtered) == 0 {
			return nil, fmt.Errorf("%s: the_only_non_null operator found no non-null values", name)
		}
		if len(filtered) > 1 {
			return nil, fmt.Errorf("%s: the_only_non_null operator found more than one non-null values", name)
		}
		return filtered[0], nil
	case PickValueAllNonNull:
		return filtered, nil
	default:
		return nil, fmt.Errorf("%w: Unsupported pickValue '%s' on %s", ErrValidation, mode, name)
	}
}

// FilterSkipNull recursively replaces SkipNull with nil, returning freshly
// built slices/maps at every level; it never mutates its input. It reports
// nothing about whether a SkipNull was found; FilterSkipNullReport returns
// that flag.
func FilterSkipNull(name string, value any) any {
	found := false
	result := filterSkipNullRec(value, &found)
	_ = name // callers that want the "found" signal can re-derive it; name is
	// kept in the signature for symmetry with the original's per-port
	// logging call, done by the caller via FilterSkipNullReport below.
	return result
}

// FilterSkipNullReport behaves like FilterSkipNull but also reports whether
// any SkipNull was found, so a caller can log a warning exactly once.
func FilterSkipNullReport(value any) (result any, foundSkip bool) {
	found := false
	result = filterSkipNullRec(value, &found)
	return result, found
}

func filterSkipNullRec(value any, found *bool) any {
	switch v := value.(type) {
	case SkipNull:
		*found = true
		return nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = filterSkipNullRec(item, found)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = filterSkipNullRec(item, found)
		}
		return out
	default:
		return v
	}
}

// DefaultWithSource falls back to Default when Source resolves to nil (or
// Source is absent).
type DefaultWithSource struct {
	Default any
	Source  Resolvable // may be nil
}

func (d *DefaultWithSource) Resolve() (any, error) {
	if d.Source != nil {
		result, err := d.Source.Resolve()
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}
	return d.Default, nil
}

// StepValueFrom wraps a resolved source plus a valueFrom expression. Resolve
// returns the source's value, to be used as `self` context; DoEval evaluates
// the expression against the full sibling input map.
type StepValueFrom struct {
	Expr          string
	Source        Resolvable
	SourceLoaded  bool   // true if the source input declares loadContents
	SourceLoc     string // file location to read contents from, if loadContents
	ExpressionLib []string
	self          any
}

// EvalPrep performs the loadContents-before-valueFrom step: if the resolved
// self value is a File object (map with "contents" unset) and the source
// input declared loadContents, it reads a bounded prefix of the file's bytes
// via fileReader into self["contents"]. fileReader may be nil, in which case
// EvalPrep is a no-op (matching the original's file_store=None path used by
// dry-run resolution with no worker-side file access).
func (s *StepValueFrom) EvalPrep(fileReader func(location string) (string, error)) error {
	if !s.SourceLoaded || fileReader == nil {
		return nil
	}
	m, ok := s.self.(map[string]any)
	if !ok {
		return nil
	}
	if _, has := m["contents"]; has {
		return nil
	}
	loc, _ := m["location"].(string)
	if loc == "" {
		return nil
	}
	contents, err := fileReader(loc)
	if err != nil {
		return fmt.Errorf("stepvaluefrom: load contents for %s: %w", loc, err)
	}
	m["contents"] = contents
	return nil
}

// Resolve resolves the wrapped source and records it as the expression
// context (`self`).
func (s *StepValueFrom) Resolve() (any, error) {
	if s.Source == nil {
		return nil, nil
	}
	v, err := s.Source.Resolve()
	if err != nil {
		return nil, err
	}
	s.self = v
	return v, nil
}

// DoEval evaluates the valueFrom expression against the already-resolved
// sibling inputs, with `self` set to the value produced by Resolve.
func (s *StepValueFrom) DoEval(siblingInputs map[string]any) (any, error) {
	evaluator := cwlexpr.NewEvaluator(s.ExpressionLib)
	ctx := cwlexpr.NewContext(siblingInputs).WithSelf(s.self)
	return evaluator.Evaluate(s.Expr, ctx)
}

// ResolveAll resolves a dictionary of Resolvable entries in two passes: first
// every entry's Resolve() is called to produce a plain map; second, any entry
// that is a *StepValueFrom has its expression evaluated against that plain
// map. fileReader is forwarded to EvalPrep for loadContents support and may
// be nil (see EvalPrep).
func ResolveAll(entries map[string]Resolvable, fileReader func(location string) (string, error)) (map[string]any, error) {
	firstPass := make(map[string]any, len(entries))
	for k, r := range entries {
		v, err := r.Resolve()
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", k, err)
		}
		firstPass[k] = v
	}

	result := make(map[string]any, len(entries))
	for k, r := range entries {
		svf, ok := r.(*StepValueFrom)
		if !ok {
			result[k] = firstPass[k]
			continue
		}
		if err := svf.EvalPrep(fileReader); err != nil {
			return nil, err
		}
		v, err := svf.DoEval(firstPass)
		if err != nil {
			return nil, fmt.Errorf("valueFrom for %s: %w", k, err)
		}
		result[k] = v
	}
	return result, nil
}

// SimplifyList unwraps a single-element list to its sole element; anything
// else (including a nil or a multi-element list) passes through unchanged.
func SimplifyList(v any) any {
	if list, ok := v.([]any); ok && len(list) == 1 {
		return list[0]
	}
	return v
}

// Conditional evaluates a step's `when` expression and, when false, supplies
// the skip sentinel for every declared output.
type Conditional struct {
	Expression    string // empty means "never skip"
	OutputIDs     []string
	ExpressionLib []string
}

// IsFalse evaluates the conditional's expression against the step's resolved
// inputs (keyed by their short parameter names). A missing expression always
// returns false (never skip). A non-boolean result is a validation error.
func (c *Conditional) IsFalse(resolvedInputs map[string]any) (bool, error) {
	if c.Expression == "" {
		return false, nil
	}
	evaluator := cwlexpr.NewEvaluator(c.ExpressionLib)
	ctx := cwlexpr.NewContext(resolvedInputs)
	result, err := evaluator.Evaluate(c.Expression, ctx)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("%w: '%s' evaluated to a non-boolean value", ErrValidation, c.Expression)
	}
	return !b, nil
}

// SkippedOutputs builds the output record mapping every declared output id to
// the skip sentinel, used when IsFalse reports the step should not run.
func (c *Conditional) SkippedOutputs() map[string]any {
	out := make(map[string]any, len(c.OutputIDs))
	for _, id := range c.OutputIDs {
		out[id] = SkipNull{}
	}
	return out
}
