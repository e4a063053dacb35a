package compiler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/token"

	"github.com/roach88/rill/internal/ir"
)

// LoadMode controls how errors are handled during loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// Load error codes, shared with the CLI.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // File read or CUE parse failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE files do not unify
	ErrCodeNoQueries   = "E007" // No query definitions
	ErrCodeCompile     = "E010" // Query does not compile
)

// LoadResult contains the queries compiled from a directory.
type LoadResult struct {
	Queries   []ir.QuerySpec // sorted by id
	FileCount int
}

// LoadError represents an error that occurred during loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Load compiles every query declared under `query:` in the .cue files of
// dir (recursively). The files are unified into one value, so a query may
// be split across files.
func Load(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("queries directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing queries directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(files) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	value := ctx.CompileString("{}")
	for _, path := range files {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("reading %s: %v", path, err)}}
		}
		fv := ctx.CompileBytes(src, cue.Filename(path))
		if err := fv.Err(); err != nil {
			return nil, []error{loadError(ErrCodeLoadFailed, err)}
		}
		value = value.Unify(fv)
	}
	if err := value.Err(); err != nil {
		return nil, []error{loadError(ErrCodeBuildFailed, err)}
	}

	queries, errs := extractQueries(value, mode)
	return &LoadResult{Queries: queries, FileCount: len(files)}, errs
}

// CompileSource compiles the queries declared in a single CUE document.
func CompileSource(filename string, src []byte) ([]ir.QuerySpec, []error) {
	v := cuecontext.New().CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, []error{loadError(ErrCodeLoadFailed, err)}
	}
	return extractQueries(v, LoadModeCollectAll)
}

func extractQueries(value cue.Value, mode LoadMode) ([]ir.QuerySpec, []error) {
	var (
		queries []ir.QuerySpec
		errs    []error
	)
	queriesVal := value.LookupPath(cue.ParsePath("query"))
	if !queriesVal.Exists() {
		return nil, []error{&LoadError{Code: ErrCodeNoQueries, Message: "no query definitions found"}}
	}
	iter, err := queriesVal.Fields()
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating queries: %v", err)}}
	}
	for iter.Next() {
		spec, err := CompileQuery(iter.Value())
		if err != nil {
			errs = append(errs, convertCompileError(err, "query."+iter.Label()))
			if mode == LoadModeFailFast {
				return nil, errs
			}
			continue
		}
		queries = append(queries, *spec)
	}
	sort.Slice(queries, func(i, j int) bool { return queries[i].ID < queries[j].ID })
	return queries, errs
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func loadError(code string, err error) *LoadError {
	var ce *CompileError
	if errors.As(formatCUEError(err), &ce) {
		return &LoadError{Code: code, Message: ce.Message, Pos: ce.Pos}
	}
	return &LoadError{Code: code, Message: err.Error()}
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error, context string) *LoadError {
	var ce *CompileError
	if errors.As(err, &ce) {
		return &LoadError{
			Code:    ErrCodeCompile,
			Message: fmt.Sprintf("%s: %s: %s", context, ce.Field, ce.Message),
			Pos:     ce.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeGeneric,
		Message: fmt.Sprintf("%s: %v", context, err),
	}
}
