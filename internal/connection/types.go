package connection

// Status tracks the usability of a connection's stored credentials.
type Status string

const (
	StatusConnected Status = "connected"
	StatusMissing   Status = "missing"
	StatusInvalid   Status = "invalid"
	StatusError     Status = "error"
)

// HTTPAuth describes how to inject credentials into outbound requests.
// ValueTemplate substitutes {fieldId} placeholders with stored secret
// values; AllowedHosts is the exhaustive list of hostnames the rendered
// header may be sent to.
type HTTPAuth struct {
	HeaderName    string   `json:"headerName" yaml:"header_name"`
	ValueTemplate string   `json:"valueTemplate" yaml:"value_template"`
	AllowedHosts  []string `json:"allowedHosts" yaml:"allowed_hosts"`
}

// Definition is the static description of a connection. Secret values live
// in the store, never here.
type Definition struct {
	ID           string    `json:"id" yaml:"id"`
	Title        string    `json:"title" yaml:"title"`
	Capability   string    `json:"capability,omitempty" yaml:"capability"`
	AuthKind     string    `json:"authKind,omitempty" yaml:"auth_kind"`
	SecretFields []string  `json:"secretFields,omitempty" yaml:"secret_fields"`
	HTTPAuth     *HTTPAuth `json:"httpAuth,omitempty" yaml:"http_auth"`
}

// Snapshot is a definition plus its current status. SecretsPresent reports
// field presence only; secret values never appear in a snapshot.
type Snapshot struct {
	Definition
	Status         Status          `json:"status"`
	LastError      string          `json:"lastError,omitempty"`
	SecretsPresent map[string]bool `json:"secretsPresent,omitempty"`
}

// Manager is the host's connection collaborator. The bridge and the
// dispatcher consume it; implementations own secret storage and the status
// state machine. Snapshots are fetched per call and never cached by
// consumers, since status can change concurrently through other extension
// actions.
type Manager interface {
	Register(def Definition) error
	Unregister(id string) error
	List() []Snapshot
	Definition(id string) (Definition, bool)
	GetSnapshot(id string) (Snapshot, bool)
	SetSecrets(id string, secrets map[string]string) error
	Secrets(id string) (map[string]string, error)
	ClearSecrets(id string) error
	MarkValidated(id string) error
	MarkInvalid(id string, reason string) error
	MarkStatus(id string, status Status, reason string) error
}
