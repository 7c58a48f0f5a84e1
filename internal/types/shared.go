package types

// SpawnConfig describes how to launch a peer language-server process.
// Env carries explicit variable overrides (e.g. a trace toggle) rather
// than reading ambient process state at spawn time.
type SpawnConfig struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        map[string]string
}
