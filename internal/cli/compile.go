package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/livedoc/internal/compiler"
	"github.com/roach88/livedoc/internal/schema"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompiledDocument is one document type with its content hash.
type CompiledDocument struct {
	*schema.Document
	Hash string `json:"hash"`
}

// CompilationResult holds the compiled document types.
type CompilationResult struct {
	Documents []CompiledDocument `json:"documents"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <specs-dir>",
		Short: "Compile CUE document types to JSON",
		Long: `Compile the CUE document types in a directory to JSON.

Each type is listed with its hash. Two deploys of the same hash are the
same type; a changed hash migrates resident documents on deploy.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, specsDir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	loadResult, loadErrors := LoadSpecs(specsDir, LoadModeCollectAll)
	if loadResult == nil {
		var loadErr *LoadError
		if errors.As(loadErrors[0], &loadErr) {
			return outputCompileError(formatter, loadErr.Code, loadErr.Message)
		}
		return outputCompileError(formatter, ErrCodeGeneric, loadErrors[0].Error())
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, specsDir)

	for _, doc := range loadResult.Documents {
		formatter.VerboseLog("Compiling document: %s", doc.Name)
		for _, verr := range compiler.Validate(doc) {
			loadErrors = append(loadErrors, &LoadError{Code: verr.Code, Message: doc.Name + "." + verr.Field + ": " + verr.Message})
		}
	}
	if len(loadErrors) > 0 {
		return outputCompileErrors(formatter, loadErrors)
	}

	result := &CompilationResult{Documents: make([]CompiledDocument, 0, len(loadResult.Documents))}
	for _, doc := range loadResult.Documents {
		result.Documents = append(result.Documents, CompiledDocument{Document: doc, Hash: doc.Hash()})
	}

	if opts.Output != "" {
		if err := writeCompiled(result, opts.Output); err != nil {
			return outputCompileError(formatter, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err))
		}
	}

	return formatter.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Compiled %d document(s)\n\n", len(result.Documents))
		for _, d := range result.Documents {
			fmt.Fprintf(w, "  %s: %d field(s), %d channel(s), %d cron task(s)  %s\n",
				d.Name, len(d.Fields), len(d.Channels), len(d.Cron), shortHash(d.Hash))
		}
		if opts.Output != "" {
			fmt.Fprintf(w, "\nWrote compiled documents to %s\n", opts.Output)
		}
	})
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// outputCompileError outputs a single compilation error.
func outputCompileError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	// Compilation errors are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputCompileErrors outputs multiple compilation errors.
func outputCompileErrors(formatter *OutputFormatter, errs []error) error {
	failed := NewExitError(ExitCommandError, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))

	cliErrors := make([]CLIError, len(errs))
	for i, err := range errs {
		cliErrors[i] = CLIError{Code: ErrCodeGeneric, Message: err.Error()}
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			cliErrors[i] = CLIError{Code: loadErr.Code, Message: loadErr.Message}
		}
	}

	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Error:  &cliErrors[0],
			Data:   cliErrors, // Include all errors in data
		}
		if err := writeJSON(formatter.Writer, response); err != nil {
			return err
		}
		return failed
	}

	fmt.Fprintln(formatter.Writer, "✗ Compilation failed")
	fmt.Fprintln(formatter.Writer)
	for i, err := range errs {
		var loadErr *LoadError
		if errors.As(err, &loadErr) && loadErr.Pos.IsValid() {
			fmt.Fprintf(formatter.Writer, "%s:%d:%d\n",
				loadErr.Pos.Filename(),
				loadErr.Pos.Line(),
				loadErr.Pos.Column())
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", cliErrors[i].Code, cliErrors[i].Message)
	}
	return failed
}

// writeCompiled writes the compiled documents as indented JSON.
func writeCompiled(result *CompilationResult, filename string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling documents: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
