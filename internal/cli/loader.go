package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/fieldrec/internal/compiler"
	"github.com/roach88/fieldrec/internal/ir"
)

// Directory-level error codes. Per-form problems carry the compiler's
// E101-E109 codes.
const (
	ErrCodeGeneric     = "E001"
	ErrCodeScanError   = "E002"
	ErrCodeNoFiles     = "E003"
	ErrCodeLoadFailed  = "E004"
	ErrCodeNotFound    = "E005"
	ErrCodeBuildFailed = "E006"
	ErrCodeWriteFailed = "E007" // golden file could not be written
)

// LoadResult is what LoadForms found in a directory.
type LoadResult struct {
	Forms     []ir.Schema
	FileCount int
}

// LoadError is one problem found while loading forms.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func loadErr(code, format string, args ...any) []error {
	return []error{&LoadError{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// LoadForms compiles every `form: <id>: {...}` definition in the CUE
// package at dir and checks each with compiler.Validate. Every problem is
// reported; forms that pass are returned alongside the errors of those that
// did not.
//
// A nil result means the directory itself could not be used.
func LoadForms(dir string) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, loadErr(ErrCodeNotFound, "schema directory not found: %s", dir)
	case err != nil:
		return nil, loadErr(ErrCodeNotFound, "error accessing schema directory: %v", err)
	case !info.IsDir():
		return nil, loadErr(ErrCodeNotFound, "not a directory: %s", dir)
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, loadErr(ErrCodeScanError, "error scanning directory: %v", err)
	}
	if len(files) == 0 {
		return nil, loadErr(ErrCodeNoFiles, "no CUE files found in %s", dir)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, loadErr(ErrCodeLoadFailed, "no CUE instances loaded")
	}
	if err := instances[0].Err; err != nil {
		return nil, loadErr(ErrCodeLoadFailed, "loading CUE files: %v", err)
	}
	value := cuecontext.New().BuildInstance(instances[0])
	if err := value.Err(); err != nil {
		return nil, loadErr(ErrCodeBuildFailed, "building CUE value: %v", err)
	}

	result := &LoadResult{FileCount: len(files)}
	forms := value.LookupPath(cue.ParsePath("form"))
	if !forms.Exists() {
		return result, loadErr(ErrCodeGeneric, "no forms found in schema directory")
	}
	iter, err := forms.Fields()
	if err != nil {
		return result, loadErr(ErrCodeGeneric, "iterating forms: %v", err)
	}

	var errs []error
	for iter.Next() {
		s, err := compiler.CompileForm(iter.Value())
		if err != nil {
			errs = append(errs, compileLoadError(err, "form."+iter.Selector().String()))
			continue
		}
		verrs := compiler.Validate(*s)
		for _, ve := range verrs {
			errs = append(errs, &LoadError{
				Code:    ve.Code,
				Message: fmt.Sprintf("form %s: %s: %s", s.FormID, ve.Field, ve.Message),
				Pos:     iter.Value().Pos(),
			})
		}
		if len(verrs) == 0 {
			result.Forms = append(result.Forms, *s)
		}
	}

	if len(result.Forms) == 0 && len(errs) == 0 {
		errs = loadErr(ErrCodeGeneric, "no forms found in schema directory")
	}
	return result, errs
}

// FindCUEFiles returns the .cue files under dir.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func compileLoadError(err error, where string) *LoadError {
	var ce *compiler.CompileError
	if !errors.As(err, &ce) {
		return &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("%s: %v", where, err)}
	}
	return &LoadError{
		Code:    compileErrorCode(ce.Field),
		Message: fmt.Sprintf("%s: %s", where, ce.Message),
		Pos:     ce.Pos,
	}
}

// compileErrorCode maps the member a CompileError points at to the
// compiler's structural code for the same problem.
func compileErrorCode(field string) string {
	switch {
	case field == "fields" || field == "name":
		return compiler.ErrNoFields
	case field == "kind":
		return compiler.ErrInvalidFieldKind
	case strings.HasPrefix(field, "constraint."):
		return compiler.ErrBoundInvalid
	default:
		return ErrCodeGeneric
	}
}
