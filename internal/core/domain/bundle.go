package domain

// EnvVar is one KEY=value line of the rendered node configuration
type EnvVar struct {
	Key   string
	Value string
}

// BuildSpec points at the container build definition inside the synced tree
type BuildSpec struct {
	Context    string
	Dockerfile string
}

// RunSpec declares how the workload container runs on a node
type RunSpec struct {
	Service       string
	ContainerName string
	Image         string
	MemoryLimit   string
	Restart       string
	Volumes       []string // "name:/container/path"
}

// Bundle is the versioned artifact set pushed to every node in one deploy run.
// It is assembled at the start of the run and never mutated afterwards.
type Bundle struct {
	Version           string
	SourceDir         string
	AssetDirs         []string
	Excludes          []string
	RemoteDir         string
	Env               []EnvVar
	EnvFile           string
	EndpointKeys      []string
	CredentialPool    []string
	DefaultCredential string
	CredentialTarget  string
	// Generated lists files written into RemoteDir after the sync; the mirror keeps them
	Generated []string
	Build     BuildSpec
	Run       RunSpec
}
