// Package main 是 streamgate 的入口点
//
// streamgate 把提示词文件和代码文件拼接后发送给云端大模型，并把流式回复实时写到标准输出。
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yukin371/streamgate/internal/adapters/cli"
	"github.com/yukin371/streamgate/internal/config"
	"github.com/yukin371/streamgate/internal/core"
	infracfg "github.com/yukin371/streamgate/internal/infrastructure/config"
)

// version is set by build flags during release
var version = "dev"

// errUsage marks bad command line input
var errUsage = errors.New("usage error")

// Process exit codes
const (
	exitOK         = 0
	exitFailure    = 1
	exitUsage      = 2
	exitFile       = 3
	exitCredential = 4
	exitProvider   = 5
)

func main() {
	ui := cli.NewAdapter(os.Stdout, os.Stderr)
	if err := newRootCmd(ui).ExecuteContext(context.Background()); err != nil {
		ui.ShowError(err)
		os.Exit(exitCode(err))
	}
}

// newRootCmd builds the command tree. The root command runs one streaming request.
func newRootCmd(ui *cli.Adapter) *cobra.Command {
	root := &cobra.Command{
		Use:   "streamgate --prompt FILE --code FILE",
		Short: "Stream an LLM answer for a prompt file plus a code file",
		Long: `streamgate joins a prompt file and a code file with a newline, sends the result to
a model on AWS Bedrock, a Gemini-style SSE endpoint or an OpenAI-compatible endpoint,
and writes the answer to stdout as it streams in.

Every flag can also be set through a STREAMGATE_<FLAG> environment variable,
for example STREAMGATE_PROVIDER=gemini or STREAMGATE_MAX_TOKENS=2048.`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStream(cmd, ui)
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	// Global flags
	pf := root.PersistentFlags()
	pf.String(infracfg.KeyCatalog, "", "model alias catalog (.yaml, .json, .toml); default is <config dir>/streamgate/models.yaml if present")
	pf.String(infracfg.KeyUsageDB, "", "sqlite usage ledger path (disabled when empty)")
	pf.String(infracfg.KeyLogFormat, "console", "log format: console or json")
	pf.String(infracfg.KeyLogLevel, "info", "log level: debug, info, warn or error")
	pf.BoolP(infracfg.KeyVerbose, "v", false, "verbose output (same as --log-level debug)")

	f := root.Flags()
	f.String(infracfg.KeyPrompt, "", "prompt file (required)")
	f.String(infracfg.KeyCode, "", "code file appended to the prompt (required)")
	f.String(infracfg.KeyProp, "", "tuning file with maxTokens, temperature and topP (.properties, .yaml, .json or .toml)")
	f.String(infracfg.KeyProvider, "", "provider: bedrock, gemini or openai (default bedrock)")
	f.String(infracfg.KeyModel, "", "model id or catalog alias")
	f.String(infracfg.KeyRegion, "", "AWS region for bedrock (default "+config.DefaultRegion+")")
	f.String(infracfg.KeyEndpoint, "", "endpoint URL for gemini and openai")
	f.String(infracfg.KeyProfile, "", "AWS shared config profile for bedrock")
	f.String(infracfg.KeyAPIKeyEnv, "", "environment variable holding the API key for gemini and openai")
	f.Int(infracfg.KeyMaxTokens, 0, "maximum tokens to generate")
	f.Float64(infracfg.KeyTemperature, 0, "sampling temperature (0-2)")
	f.Float64(infracfg.KeyTopP, 0, "nucleus sampling probability (0-1)")
	f.String(infracfg.KeyMetricsFile, "", "write Prometheus metrics to this textfile after the run")

	root.AddCommand(newModelsCmd(ui), newUsageCmd(ui), newVersionCmd())
	return root
}

// versionCmd prints version information
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "streamgate version %s\n", version)
		},
	}
}

// exitCode maps an error to the process exit status
func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, core.ErrEmptyPrompt):
		return exitOK
	case errors.Is(err, errUsage),
		errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, core.ErrUnsupportedProvider):
		return exitUsage
	case errors.Is(err, core.ErrFileNotFound), errors.Is(err, core.ErrEncodingFailure):
		return exitFile
	case errors.Is(err, core.ErrMissingCredential):
		return exitCredential
	case errors.Is(err, core.ErrProvider):
		return exitProvider
	default:
		return exitFailure
	}
}
