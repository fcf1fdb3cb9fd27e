package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/token"

	"github.com/roach88/livedoc/internal/compiler"
	"github.com/roach88/livedoc/internal/document"
	"github.com/roach88/livedoc/internal/engine"
	"github.com/roach88/livedoc/internal/schema"
	"github.com/roach88/livedoc/internal/store"
)

// LoadMode controls how errors are handled during spec loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult contains the document types loaded from a directory.
type LoadResult struct {
	Documents []*schema.Document
	FileCount int // Number of CUE files found
}

// LoadError represents an error that occurred during spec loading.
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

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeWriteFailed = "E007" // File write error
	ErrCodeDatabase    = "E008" // Database missing or unusable
	ErrCodeBadArgument = "E009" // Malformed key, principal or JSON argument
)

// LoadSpecs loads and compiles the CUE document types in dir.
// Compiled documents are not validated; see validate.
func LoadSpecs(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("specs directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing specs directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := compiler.FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	root, err := compiler.LoadDir(dir)
	if err != nil {
		return nil, []error{convertCompileError(err, ErrCodeLoadFailed)}
	}

	result := &LoadResult{FileCount: len(cueFiles)}
	docsVal := root.LookupPath(cue.ParsePath("documents"))
	if !docsVal.Exists() {
		return result, []error{&LoadError{Code: ErrCodeGeneric, Message: "no documents found in specs"}}
	}
	iter, err := docsVal.Fields()
	if err != nil {
		return result, []error{convertCompileError(err, ErrCodeBuildFailed)}
	}

	var errs []error
	for iter.Next() {
		doc, err := compiler.CompileDocument(iter.Value())
		if err != nil {
			loadErr := convertCompileError(err, ErrCodeGeneric)
			loadErr.Message = fmt.Sprintf("documents.%s: %s", iter.Selector().Unquoted(), loadErr.Message)
			errs = append(errs, loadErr)
			if mode == LoadModeFailFast {
				return result, errs
			}
			continue
		}
		result.Documents = append(result.Documents, doc)
	}
	sort.Slice(result.Documents, func(i, j int) bool {
		return result.Documents[i].Name < result.Documents[j].Name
	})

	if len(result.Documents) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: "no documents found in specs"})
	}
	return result, errs
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error, fallback string) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		code := ErrCodeGeneric
		if compileErr.Field == "cue" {
			code = ErrCodeBuildFailed
		}
		return &LoadError{Code: code, Message: compileErr.Field + ": " + compileErr.Message, Pos: compileErr.Pos}
	}
	return &LoadError{Code: fallback, Message: err.Error()}
}

// compileSpecs loads, compiles and validates the document types in dir,
// failing on the first problem.
func compileSpecs(dir string) ([]*schema.Document, error) {
	loaded, errs := LoadSpecs(dir, LoadModeFailFast)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	for _, doc := range loaded.Documents {
		if verrs := compiler.Validate(doc); len(verrs) > 0 {
			return nil, fmt.Errorf("document %s: %w", doc.Name, verrs[0])
		}
	}
	return loaded.Documents, nil
}

// openStore opens the SQLite database named by --db.
func openStore(opts *RootOptions) (*store.SQLite, error) {
	if opts.Database == "" {
		return nil, NewExitError(ExitCommandError, ErrCodeDatabase+": required flag \"db\" not set")
	}
	driver := opts.Driver
	if driver == "" {
		driver = store.DriverCGO
	}
	st, err := store.Open(opts.Database, store.WithDriver(driver))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeDatabase+": failed to open database", err)
	}
	return st, nil
}

// session is an engine running over the --db database for the length of
// one command.
type session struct {
	engine *engine.Engine
	store  *store.SQLite
	cancel context.CancelFunc
	done   chan error
}

// openSession compiles specsDir, opens the database and starts an engine
// with every document type registered under its own name. Callers must
// Close the session.
func openSession(ctx context.Context, opts *RootOptions, specsDir string, logger *slog.Logger) (*session, error) {
	docs, err := compileSpecs(specsDir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to compile specs", err)
	}
	st, err := openStore(opts)
	if err != nil {
		return nil, err
	}

	e := engine.New(st,
		engine.WithLogger(logger),
		engine.WithTickInterval(0),
		engine.WithSweepInterval(0),
	)
	for _, doc := range docs {
		if err := e.RegisterDocument(doc.Name, doc); err != nil {
			st.CloseDB()
			return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to register %s", doc.Name), err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &session{engine: e, store: st, cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- e.Run(runCtx) }()
	for !e.Running() {
		select {
		case err := <-s.done:
			cancel()
			st.CloseDB()
			return nil, WrapExitError(ExitCommandError, "engine failed to start", err)
		case <-time.After(time.Millisecond):
		}
	}
	return s, nil
}

// Close stops the engine and closes the database.
func (s *session) Close() error {
	s.cancel()
	err := <-s.done
	if closeErr := s.store.CloseDB(); closeErr != nil {
		return closeErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// parseKey parses "space/key".
func parseKey(s string) (store.Key, error) {
	space, key, ok := strings.Cut(s, "/")
	if !ok || space == "" || key == "" {
		return store.Key{}, NewExitError(ExitCommandError, fmt.Sprintf("%s: key %q must be space/key", ErrCodeBadArgument, s))
	}
	return store.Key{Space: space, Key: key}, nil
}

// parseWho parses "agent:authority".
func parseWho(s string) (document.Principal, error) {
	agent, authority, ok := strings.Cut(s, ":")
	if !ok || agent == "" || authority == "" {
		return document.Principal{}, NewExitError(ExitCommandError, fmt.Sprintf("%s: principal %q must be agent:authority", ErrCodeBadArgument, s))
	}
	return document.Principal{Agent: agent, Authority: authority}, nil
}

// newLogger installs the text handler every engine-backed command logs
// through.
func newLogger(opts *RootOptions) *slog.Logger {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	return slog.New(handler)
}
