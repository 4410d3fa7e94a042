package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/nfrund/scriptd/cmd/scriptd/internal/output"
	"github.com/nfrund/scriptd/internal/compiler"
	"github.com/nfrund/scriptd/internal/sandbox"
	"github.com/nfrund/scriptd/internal/script"
	"github.com/nfrund/scriptd/internal/scriptdir"
)

var (
	checkDialect string
	checkGlobal  bool
	checkFormat  string
)

// errCheckFailed marks a file that compiled with errors. The diagnostics
// have already been printed.
var errCheckFailed = errors.New("check failed")

var checkCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Compile a script file and print its diagnostics",
	Long: `Compile a script file without running it.

The dialect is taken from the file extension (.tengo native, .tts typed,
.its indented) unless --dialect is given. With --global the declarations the
script would contribute to other scripts are printed as well.

Examples:
  scriptd check scripts/lights/hall.tengo
  scriptd check --dialect tengo/typed motion.txt
  scriptd check --global --format json scripts/global/helpers.tts`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(cmd.Context(), cmd.OutOrStdout(), afero.NewOsFs(), args[0])
	},
}

func runCheck(ctx context.Context, w io.Writer, fs afero.Fs, path string) error {
	dialect, err := checkDialectFor(path)
	if err != nil {
		return err
	}
	src, err := afero.ReadFile(fs, path)
	if err != nil {
		return err
	}

	modules, err := compiler.NewModules(script.GetDefaultLimits().AllowedModules)
	if err != nil {
		return err
	}
	c := compiler.New(compiler.Options{Globals: sandbox.CapabilityNames, Modules: modules})

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	unit, err := c.Compile(ctx, compiler.Request{
		ID:       script.Prefix + name,
		Source:   string(src),
		Dialect:  dialect,
		Filename: path,
		Global:   checkGlobal,
	})

	var cerr *script.CompileError
	switch {
	case errors.As(err, &cerr):
		if err := output.DisplayCheck(w, checkFormat, path, cerr.Diagnostics, ""); err != nil {
			return err
		}
		return errCheckFailed
	case err != nil:
		return err
	}

	decls := ""
	if checkGlobal {
		decls = unit.Declarations
	}
	return output.DisplayCheck(w, checkFormat, path, unit.Diagnostics, decls)
}

func checkDialectFor(path string) (script.Dialect, error) {
	if checkDialect != "" {
		switch d := script.Dialect(checkDialect); d {
		case script.DialectNative, script.DialectTyped, script.DialectIndent:
			return d, nil
		}
		return "", fmt.Errorf("unknown dialect %q", checkDialect)
	}
	d, ok := scriptdir.DialectFor(path)
	if !ok {
		return "", fmt.Errorf("cannot infer dialect of %s, use --dialect", path)
	}
	return d, nil
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVarP(&checkDialect, "dialect", "d", "", "Dialect (tengo, tengo/typed, tengo/indent)")
	checkCmd.Flags().BoolVar(&checkGlobal, "global", false, "Compile as a global script and print its declarations")
	checkCmd.Flags().StringVarP(&checkFormat, "format", "f", "text", "Output format (text, json)")
}
