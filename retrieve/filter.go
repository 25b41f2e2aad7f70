package retrieve

import (
	"github.com/google/cel-go/cel"

	lexgraph "github.com/lexgraph/lexgraph"
	"github.com/lexgraph/lexgraph/corpus"
)

// ResultFilter is an optional post-fusion predicate over fused results,
// expressed in CEL. Operators use it to carve out corpus slices without a
// redeploy, e.g. `!id.contains("Annex")` or `similarity >= 0.4`.
type ResultFilter struct {
	program cel.Program
}

// CompileFilter compiles a CEL expression exposing `id`, `path`,
// `similarity`, and `stages`. An empty expression yields a nil filter.
func CompileFilter(expr string) (*ResultFilter, error) {
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("similarity", cel.DoubleType),
		cel.Variable("stages", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, lexgraph.E("CompileFilter", lexgraph.KindBadRequest, err)
	}
	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, lexgraph.E("CompileFilter", lexgraph.KindBadRequest, iss.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, lexgraph.E("CompileFilter", lexgraph.KindBadRequest,
			lexgraph.ErrBadRequest).WithContext("reason", "filter must evaluate to bool")
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, lexgraph.E("CompileFilter", lexgraph.KindBadRequest, err)
	}
	return &ResultFilter{program: prg}, nil
}

// Keep reports whether the result passes the filter. Evaluation errors keep
// the result; a broken filter must not silently empty the corpus.
func (f *ResultFilter) Keep(r *corpus.SearchResult) bool {
	if f == nil {
		return true
	}
	out, _, err := f.program.Eval(map[string]any{
		"id":         r.ProvisionID,
		"path":       r.ProvisionPath,
		"similarity": r.Similarity,
		"stages":     r.Stages,
	})
	if err != nil {
		return true
	}
	keep, ok := out.Value().(bool)
	return !ok || keep
}
