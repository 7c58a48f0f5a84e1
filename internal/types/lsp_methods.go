package types

// LSP protocol lifecycle methods
const (
	// MethodInitialize is sent as the first request from client to server
	MethodInitialize = "initialize"
	// MethodInitialized is sent from client to server after the initialize response
	MethodInitialized = "initialized"
	// MethodShutdown is sent from client to server to shutdown the server
	MethodShutdown = "shutdown"
	// MethodExit is sent from client to server to exit the server process
	MethodExit = "exit"
)

// LSP document synchronization methods
const (
	// MethodTextDocumentDidOpen is sent when a document is opened
	MethodTextDocumentDidOpen = "textDocument/didOpen"
)

// LSP language feature methods
const (
	// MethodTextDocumentDefinition provides go-to-definition functionality
	MethodTextDocumentDefinition = "textDocument/definition"
	// MethodWorkspaceSymbol provides workspace-wide symbol search
	MethodWorkspaceSymbol = "workspace/symbol"
)
