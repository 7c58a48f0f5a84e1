package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"lsp-probe/internal/common"
	"lsp-probe/internal/constants"
	"lsp-probe/internal/types"
)

// Options configures one conformance run
type Options struct {
	// WorkDir becomes the rootUri of the initialize request; defaults to
	// the probe's own working directory.
	WorkDir string
	// Query is the workspace/symbol query string
	Query string
	// Files is the scope restriction handed to the peer; the first entry
	// doubles as the definition-probe target.
	Files []string
	// Definition enables the didOpen + textDocument/definition probe
	Definition bool
	// DefinitionFile overrides the definition-probe target when Files is empty
	DefinitionFile string
	// LanguageID for didOpen; derived from the file extension when empty
	LanguageID string
	// RequireSymbolMatch makes an empty workspace/symbol result a failure
	RequireSymbolMatch bool

	InitializeTimeout time.Duration
	RequestTimeout    time.Duration
	ExitTimeout       time.Duration
}

// Report carries the raw replies of a completed run for printing
type Report struct {
	Initialize   json.RawMessage
	Capabilities protocol.ServerCapabilities
	Symbols      json.RawMessage
	SymbolCount  int
	Definition   json.RawMessage
	Shutdown     json.RawMessage
	ExitCode     int
}

// Driver issues the fixed conformance sequence through a session and asserts
// the structural shape of each reply. It decides pass/fail; the session only
// moves frames.
type Driver struct {
	session *Session
	opts    Options
}

// NewDriver binds a driver to a session, filling in default timeouts
func NewDriver(session *Session, opts Options) *Driver {
	if opts.InitializeTimeout == 0 {
		opts.InitializeTimeout = constants.InitializeTimeout
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = constants.DefaultRequestTimeout
	}
	if opts.ExitTimeout == 0 {
		opts.ExitTimeout = constants.ProcessExitTimeout
	}
	return &Driver{session: session, opts: opts}
}

// Run executes initialize → initialized → workspace/symbol → optional
// didOpen + definition → shutdown → exit → wait. Any transport failure or
// structural mismatch aborts the run; nothing is retried.
func (d *Driver) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	wd := d.opts.WorkDir
	if wd == "" {
		var err error
		if wd, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("cannot resolve working directory: %w", err)
		}
	}
	wd, _ = filepath.Abs(wd)

	// initialize
	initParams := map[string]interface{}{
		"rootUri":      string(uri.File(wd)),
		"capabilities": map[string]interface{}{},
	}
	result, err := d.roundTrip(ctx, types.MethodInitialize, initParams, d.opts.InitializeTimeout)
	if err != nil {
		return nil, err
	}
	report.Initialize = result

	var initShape struct {
		Capabilities json.RawMessage `json:"capabilities"`
	}
	if err := json.Unmarshal(result, &initShape); err != nil || initShape.Capabilities == nil {
		return nil, fmt.Errorf("initialize result lacks capabilities: %s", result)
	}
	var initRes protocol.InitializeResult
	if err := json.Unmarshal(result, &initRes); err != nil {
		return nil, fmt.Errorf("initialize result does not decode: %w", err)
	}
	report.Capabilities = initRes.Capabilities

	// initialized
	if err := d.session.SendNotification(types.MethodInitialized, map[string]interface{}{}); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}

	// workspace/symbol
	result, err = d.roundTrip(ctx, types.MethodWorkspaceSymbol,
		map[string]interface{}{"query": d.opts.Query}, d.opts.RequestTimeout)
	if err != nil {
		return nil, err
	}
	report.Symbols = result

	if trimmed := bytes.TrimSpace(result); len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("workspace/symbol result is not a list: %s", result)
	}
	var symbols []protocol.SymbolInformation
	if err := json.Unmarshal(result, &symbols); err != nil {
		return nil, fmt.Errorf("workspace/symbol result is not a symbol list: %s", result)
	}
	report.SymbolCount = len(symbols)
	if d.opts.RequireSymbolMatch && len(symbols) == 0 {
		return nil, fmt.Errorf("expected at least one workspace/symbol match for %q", d.opts.Query)
	}

	// optional definition probe
	if d.opts.Definition {
		if err := d.runDefinitionProbe(ctx, report); err != nil {
			return nil, err
		}
	}

	// shutdown
	result, err = d.roundTrip(ctx, types.MethodShutdown, nil, d.opts.RequestTimeout)
	if err != nil {
		return nil, err
	}
	report.Shutdown = result

	// exit
	if err := d.session.SendNotification(types.MethodExit, nil); err != nil {
		return nil, fmt.Errorf("exit notification: %w", err)
	}
	code, err := d.session.WaitExit(d.opts.ExitTimeout)
	if err != nil {
		return nil, fmt.Errorf("waiting for peer exit: %w", err)
	}
	report.ExitCode = code

	return report, nil
}

// roundTrip sends one request and awaits its reply under a timeout. A JSON-RPC
// error member is a conformance failure for every method in the sequence.
func (d *Driver) roundTrip(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	id, err := d.session.SendRequest(method, params)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", method, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, rpcErr, err := d.session.AwaitResponse(reqCtx, id)
	if err != nil {
		return nil, fmt.Errorf("%s response: %w", method, err)
	}
	if rpcErr != nil {
		return nil, fmt.Errorf("%s returned error: %v", method, rpcErr)
	}
	return result, nil
}

// runDefinitionProbe opens the target document and requests a definition at
// the first occurrence of the query string, validating the wire format of
// both messages. Skipped when no target file is configured.
func (d *Driver) runDefinitionProbe(ctx context.Context, report *Report) error {
	target := d.opts.DefinitionFile
	if target == "" && len(d.opts.Files) > 0 {
		target = d.opts.Files[0]
	}
	if target == "" {
		common.ProbeLogger.Info("No target file for definition probe, skipping")
		return nil
	}
	target, _ = filepath.Abs(target)

	text, err := os.ReadFile(target)
	if err != nil {
		return fmt.Errorf("definition probe target: %w", err)
	}
	line, character := positionOf(text, d.opts.Query)

	docURI := string(uri.File(target))
	languageID := d.opts.LanguageID
	if languageID == "" {
		languageID = languageIDForPath(target)
	}

	openParams := map[string]interface{}{
		"textDocument": map[string]interface{}{
			"uri":        docURI,
			"languageId": languageID,
			"version":    1,
			"text":       string(text),
		},
	}
	if err := d.session.SendNotification(types.MethodTextDocumentDidOpen, openParams); err != nil {
		return fmt.Errorf("didOpen notification: %w", err)
	}

	defParams := map[string]interface{}{
		"textDocument": map[string]interface{}{"uri": docURI},
		"position":     map[string]interface{}{"line": line, "character": character},
	}
	result, err := d.roundTrip(ctx, types.MethodTextDocumentDefinition, defParams, d.opts.RequestTimeout)
	if err != nil {
		return err
	}
	report.Definition = result

	// Either a location list or a single location is structurally valid
	var locations []protocol.Location
	if err := json.Unmarshal(result, &locations); err != nil {
		var single protocol.Location
		if err := json.Unmarshal(result, &single); err != nil {
			return fmt.Errorf("definition result is not a location: %s", result)
		}
	}
	return nil
}

// positionOf locates the first occurrence of needle and returns its
// zero-based line and column, or 0:0 when absent (the probe only validates
// wire format, not resolution accuracy).
func positionOf(text []byte, needle string) (int, int) {
	idx := bytes.Index(text, []byte(needle))
	if idx < 0 || needle == "" {
		return 0, 0
	}
	line := bytes.Count(text[:idx], []byte("\n"))
	column := idx - (bytes.LastIndexByte(text[:idx], '\n') + 1)
	return line, column
}

// languageIDForPath derives an LSP languageId from a file extension
func languageIDForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py", ".pyi":
		return "python"
	case ".c":
		return "c"
	case ".cc", ".cpp", ".cxx", ".h", ".hpp":
		return "cpp"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx":
		return "javascript"
	default:
		return "plaintext"
	}
}
