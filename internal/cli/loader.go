package cli

import (
	"errors"
	"fmt"

	"github.com/roach88/rill/internal/compiler"
	"github.com/roach88/rill/internal/ir"
)

// loadQueries compiles and validates the queries in dir, stopping at the
// first compile error. Commands that start an engine use it; validate
// collects every error instead.
func loadQueries(dir string) ([]ir.QuerySpec, error) {
	res, errs := compiler.Load(dir, compiler.LoadModeFailFast)
	if len(errs) > 0 {
		return nil, WrapExitError(ExitCommandError, "failed to compile queries", errs[0])
	}
	if len(res.Queries) == 0 {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("%s: no queries found in %s", compiler.ErrCodeNoQueries, dir))
	}
	if verrs := compiler.Validate(res.Queries); len(verrs) > 0 {
		joined := make([]error, len(verrs))
		for i, e := range verrs {
			joined[i] = e
		}
		return nil, WrapExitError(ExitCommandError, "invalid queries", errors.Join(joined...))
	}
	return res.Queries, nil
}

// queriesDir picks the positional directory argument over the config value.
func queriesDir(args []string, configured string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return configured
}
