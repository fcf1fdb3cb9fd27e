package compiler

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/livedoc/internal/schema"
)

// LoadDir builds the CUE package in dir and returns its raw value.
func LoadDir(dir string) (cue.Value, error) {
	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, fmt.Errorf("loading CUE files: %w", inst.Err)
	}
	v := ctx.BuildInstance(inst)
	if err := v.Err(); err != nil {
		return cue.Value{}, formatCUEError(err)
	}
	return v, nil
}

// CompileDir loads, compiles and validates every document in dir.
// Validation failures are returned as a single error listing them all.
func CompileDir(dir string) ([]*schema.Document, error) {
	v, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	docs, err := CompileAll(v)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if errs := Validate(doc); len(errs) > 0 {
			return nil, fmt.Errorf("document %s: %w", doc.Name, errs[0])
		}
	}
	return docs, nil
}

// CompileString compiles inline CUE source. Used by tests and the harness
// for scenarios that embed their document types.
func CompileString(src string) ([]*schema.Document, error) {
	v := cuecontext.New().CompileString(src)
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return CompileAll(v)
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
