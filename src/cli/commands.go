// Package cli implements the lsp-probe command line interface
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"lsp-probe/src/config"
	"lsp-probe/internal/common"
	"lsp-probe/internal/constants"
	"lsp-probe/internal/errors"
	"lsp-probe/internal/types"
	"lsp-probe/internal/version"
	"lsp-probe/src/probe"
	"lsp-probe/src/server/process"
)

var (
	serverCommand  string
	configPath     string
	workDir        string
	scopeFiles     []string
	definitionFile string
	enableTrace    bool
	requireMatch   bool
	smokeQuery     string

	rootCmd = &cobra.Command{
		Use:   "lsp-probe",
		Short: "Conformance probe for LSP servers over stdio",
		Long: `lsp-probe drives a language server through a fixed request sequence
(initialize, initialized, workspace/symbol, optional textDocument/definition,
shutdown, exit) and reports whether the server conforms.

The server is spawned as a child process and spoken to over stdin/stdout
using Content-Length framed JSON-RPC. Server stderr is captured and dumped
on failure.`,
	}

	smokeCmd = &cobra.Command{
		Use:   "smoke",
		Short: "Run the full handshake sequence against a server",
		Long: `Smoke spawns the server and runs initialize, initialized,
workspace/symbol, shutdown and exit, checking each response. The symbol
query must return at least one match, so point --query at a symbol the
server is known to index. Exits 0 on success, 2 when the server
executable cannot be spawned, 1 on any protocol failure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			requireMatch = true
			return runProbe(smokeQuery, false, false)
		},
	}

	queryCmd = &cobra.Command{
		Use:   "query <symbol>",
		Short: "Query a server for workspace symbols and print the results",
		Long: `Query runs the same handshake as smoke but sends the given symbol
name as the workspace/symbol query and prints the responses as JSON.
When a definition file is configured, a textDocument/definition probe
is run at the first occurrence of the symbol in that file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(args[0], true, true)
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.GetFullVersionInfo())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverCommand, "server", "s", "", "server command to spawn (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "w", "", "working directory for the server (default: current directory)")
	rootCmd.PersistentFlags().StringSliceVarP(&scopeFiles, "files", "f", nil, "files passed to the server to scope indexing")
	rootCmd.PersistentFlags().StringVarP(&definitionFile, "definition", "d", "", "file used for the textDocument/definition probe")
	rootCmd.PersistentFlags().BoolVarP(&enableTrace, "trace", "t", false, "enable server trace output on stderr")

	smokeCmd.Flags().StringVarP(&smokeQuery, "query", "q", "Server::", "symbol query the server must match")
	queryCmd.Flags().BoolVar(&requireMatch, "require-match", false, "fail when the symbol query returns no results")

	rootCmd.AddCommand(smokeCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command and returns its error, if any.
func Execute() error {
	return rootCmd.Execute()
}

func runProbe(query string, printResults bool, withDefinition bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	spawnCfg, err := buildSpawnConfig(cfg)
	if err != nil {
		return err
	}

	common.CLILogger.Info("Spawning server: %s %s", spawnCfg.Command, strings.Join(spawnCfg.Args, " "))
	peer, err := process.Spawn(spawnCfg)
	if err != nil {
		return err
	}

	session := probe.NewSession(peer)
	defer session.Close()

	opts := buildProbeOptions(cfg, spawnCfg.WorkingDir, query, withDefinition)

	driver := probe.NewDriver(session, opts)
	ctx, cancel := common.CreateContext(constants.RunTimeout)
	defer cancel()

	report, err := driver.Run(ctx)
	if err != nil {
		dumpDiagnostics(session)
		return err
	}

	if printResults {
		printReport(report)
	} else {
		fmt.Println("OK: initialize + workspace/symbol + shutdown/exit")
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		if serverCommand != "" {
			cfg.Server.Command = serverCommand
		}
		return cfg, nil
	}
	if serverCommand != "" {
		return config.GetDefaultConfig(serverCommand), nil
	}
	if path := config.GetDefaultConfigPath(); path != "" {
		if _, err := os.Stat(path); err == nil {
			return config.LoadConfig(path)
		}
	}
	return nil, fmt.Errorf("no server command: pass --server or provide a config file")
}

// buildProbeOptions assembles driver options from config and flags. An
// explicit definition target enables the probe on any command; the
// first-scope-file fallback only applies when the command wants it.
func buildProbeOptions(cfg *config.Config, workingDir, query string, withDefinition bool) probe.Options {
	opts := probe.Options{
		WorkDir:            workingDir,
		Query:              query,
		Files:              scopeFiles,
		RequireSymbolMatch: requireMatch,
	}
	opts.DefinitionFile = cfg.Server.DefinitionFile
	if definitionFile != "" {
		opts.DefinitionFile = definitionFile
	}
	opts.Definition = opts.DefinitionFile != "" || (withDefinition && len(scopeFiles) > 0)
	return opts
}

func buildSpawnConfig(cfg *config.Config) (types.SpawnConfig, error) {
	srv := cfg.Server

	// Resolve before spawning so a missing executable is reported as a
	// spawn failure rather than a protocol error.
	if _, err := exec.LookPath(srv.Command); err != nil {
		return types.SpawnConfig{}, errors.NewSpawnError(srv.Command, err)
	}

	args := append([]string{}, srv.Args...)
	if len(scopeFiles) > 0 {
		args = append(args, srv.FilesFlag)
		args = append(args, scopeFiles...)
	}

	wd := workDir
	if wd == "" {
		wd = srv.WorkingDir
	}

	spawnCfg := types.SpawnConfig{
		Command:    srv.Command,
		Args:       args,
		WorkingDir: wd,
	}
	if enableTrace && srv.TraceEnv != "" {
		spawnCfg.Env = map[string]string{srv.TraceEnv: "1"}
	}
	return spawnCfg, nil
}

func printReport(report *probe.Report) {
	printJSON("initialize", report.Initialize)
	printJSON("workspace/symbol", report.Symbols)
	if len(report.Definition) > 0 {
		printJSON("textDocument/definition", report.Definition)
	}
	fmt.Printf("symbols: %d\n", report.SymbolCount)
}

func printJSON(label string, raw json.RawMessage) {
	var buf strings.Builder
	buf.WriteString(label)
	buf.WriteString(":\n")
	indented, err := indentJSON(raw)
	if err != nil {
		buf.Write(raw)
	} else {
		buf.WriteString(indented)
	}
	fmt.Println(buf.String())
}

func indentJSON(raw json.RawMessage) (string, error) {
	var out strings.Builder
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	enc := json.NewEncoder(&out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(out.String(), "\n"), nil
}

func dumpDiagnostics(session *probe.Session) {
	diag := session.Diagnostics()
	if diag == "" {
		return
	}
	fmt.Fprintln(os.Stderr, "--- server stderr ---")
	fmt.Fprintln(os.Stderr, strings.TrimRight(diag, "\n"))
}
