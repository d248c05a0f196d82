// Package catalog declares the closed set of audited operations the
// decision-maker may request. Every operation is described once: name,
// purpose, input schema, default timeout, and gating class. Input validation
// enforces strict allow-listed character sets for any value that is later
// interpolated into a filesystem path, package name, or external identifier.
// This is the security boundary that replaces arbitrary command execution.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Class controls which gates apply before an operation may be dispatched.
type Class string

const (
	// ClassSafe operations run whenever the agent link is up.
	ClassSafe Class = "safe"
	// ClassConfirm operations require an explicit prior-affirmative flag.
	ClassConfirm Class = "requires-confirmation"
	// ClassInstallComplete operations are refused until the install-state
	// machine reaches completed.
	ClassInstallComplete Class = "requires-install-complete"
)

// Gate failures. These are resolved locally and never reach the agent.
var (
	ErrUnknownOperation     = errors.New("unknown operation")
	ErrValidation           = errors.New("invalid operation input")
	ErrConfirmationRequired = errors.New("operation requires explicit user confirmation")
	ErrInstallIncomplete    = errors.New("operation requires a completed installation")
)

// Operation is one declared audited operation.
type Operation struct {
	Name    string
	Purpose string
	Class   Class
	Timeout time.Duration
	// Schema is the JSON schema advertised to the decision-maker as the
	// tool's input contract.
	Schema map[string]any
	// Validate enforces the allow-listed input constraints. A nil Validate
	// means the operation takes no input beyond the optional confirmed flag.
	Validate func(input json.RawMessage) error
}

var (
	envNameRe   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	modelNameRe = regexp.MustCompile(`^[A-Za-z0-9._:+/-]+$`)
	registryRe  = regexp.MustCompile(`^[A-Za-z0-9._:/-]+$`)
	// Relative paths under the home directory: path separators allowed,
	// parent traversal is not.
	relPathRe = regexp.MustCompile(`^[A-Za-z0-9._/ -]+$`)
)

// Operation names.
const (
	OpDetectSystem    = "detect_system"
	OpCheckPort       = "check_port"
	OpInstallConda    = "install_conda"
	OpInstallGit      = "install_git"
	OpCloneRepo       = "clone_repo"
	OpCreateCondaEnv  = "create_conda_env"
	OpInstallCondaEnv = "install_conda_env"
	OpInstallAllDeps  = "install_all_deps"
	OpSetupEnvFile    = "setup_env_file"
	OpInstallOllama   = "install_ollama"
	OpStartOllama     = "start_ollama"
	OpPullOllamaModel = "pull_ollama_model"
	OpStartMindloom   = "start_mindloom"
	OpStopMindloom    = "stop_mindloom"
	OpRestartMindloom = "restart_mindloom"
	OpMindloomStatus  = "get_mindloom_status"
)

// Inputs for operations that take parameters. Operation requests inline
// these fields at the top level of the frame, next to type and id.

// CheckPortInput selects the port to probe.
type CheckPortInput struct {
	Port int `json:"port"`
}

// CloneRepoInput configures the repository clone.
type CloneRepoInput struct {
	RepoURL    string `json:"repo_url,omitempty"`
	TargetPath string `json:"target_path,omitempty"`
}

// CondaEnvInput names the environment to create or update.
type CondaEnvInput struct {
	EnvName         string `json:"env_name,omitempty"`
	RepoPath        string `json:"repo_path,omitempty"`
	EnvironmentFile string `json:"environment_file,omitempty"`
	ForceRecreate   bool   `json:"force_recreate,omitempty"`
}

// DepsInput configures the composite dependency install.
type DepsInput struct {
	EnvName  string `json:"env_name,omitempty"`
	RepoPath string `json:"repo_path,omitempty"`
}

// EnvFileInput locates the repository for environment file setup.
type EnvFileInput struct {
	RepoPath string `json:"repo_path,omitempty"`
}

// PullModelInput names the model to pull.
type PullModelInput struct {
	Model    string `json:"model"`
	Registry string `json:"registry,omitempty"`
	Force    bool   `json:"force,omitempty"`
}

// ServiceInput configures service start/restart.
type ServiceInput struct {
	FrontendPort int `json:"frontend_port,omitempty"`
	BackendPort  int `json:"backend_port,omitempty"`
}

// confirmedFlag is read from any operation input during gating.
type confirmedFlag struct {
	Confirmed bool `json:"confirmed"`
}

// Catalog is the closed operation set, keyed by name.
type Catalog struct {
	ops   map[string]*Operation
	order []string
}

// New builds the full audited operation catalog.
func New() *Catalog {
	c := &Catalog{ops: make(map[string]*Operation)}
	for _, op := range declarations() {
		c.ops[op.Name] = op
		c.order = append(c.order, op.Name)
	}
	return c
}

// Lookup returns the declaration for name.
func (c *Catalog) Lookup(name string) (*Operation, error) {
	op, ok := c.ops[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	return op, nil
}

// Names returns operation names in declaration order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Operations returns declarations in declaration order.
func (c *Catalog) Operations() []*Operation {
	out := make([]*Operation, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.ops[name])
	}
	return out
}

// SessionState is the slice of session state gating consults.
type SessionState interface {
	InstallCompleted() bool
}

// CheckGates validates input and evaluates the operation's gating class
// against the session. The link-up gate is the dispatcher's responsibility;
// everything here is local and costs no round trip.
func (c *Catalog) CheckGates(name string, input json.RawMessage, sess SessionState) (*Operation, error) {
	op, err := c.Lookup(name)
	if err != nil {
		return nil, err
	}

	if op.Validate != nil {
		if err := op.Validate(input); err != nil {
			return nil, err
		}
	}

	switch op.Class {
	case ClassConfirm:
		var flag confirmedFlag
		if len(input) > 0 {
			// Ignore decode errors: Validate already ran, and a missing
			// flag fails the gate below either way.
			_ = json.Unmarshal(input, &flag)
		}
		if !flag.Confirmed {
			return nil, fmt.Errorf("%w: %s", ErrConfirmationRequired, name)
		}
	case ClassInstallComplete:
		if sess == nil || !sess.InstallCompleted() {
			return nil, fmt.Errorf("%w: %s is an optional step that runs after the core install", ErrInstallIncomplete, name)
		}
	}

	return op, nil
}

// ValidateEnvName enforces the conda environment name allow-list.
func ValidateEnvName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || !envNameRe.MatchString(trimmed) {
		return fmt.Errorf("%w: environment name may only contain letters, numbers, underscores, and dashes", ErrValidation)
	}
	return nil
}

// ValidateModelName enforces the model identifier allow-list.
func ValidateModelName(model string) error {
	trimmed := strings.TrimSpace(model)
	if trimmed == "" || !modelNameRe.MatchString(trimmed) {
		return fmt.Errorf("%w: model names may only contain letters, numbers, dots, underscores, dashes, slashes, and colons", ErrValidation)
	}
	return nil
}

// ValidateRegistry enforces the registry host allow-list.
func ValidateRegistry(registry string) error {
	trimmed := strings.TrimSpace(registry)
	if trimmed == "" || !registryRe.MatchString(trimmed) {
		return fmt.Errorf("%w: registry must be a hostname or URL fragment", ErrValidation)
	}
	return nil
}

// ValidateRepoURL accepts only https:// and git@ repository URLs.
func ValidateRepoURL(url string) error {
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "git@") {
		return fmt.Errorf("%w: repository URL must start with https:// or git@", ErrValidation)
	}
	return nil
}

// ValidateRelPath accepts simple paths with no parent traversal. The agent
// additionally confines resolved paths to the home directory.
func ValidateRelPath(path string) error {
	if !relPathRe.MatchString(path) || strings.Contains(path, "..") {
		return fmt.Errorf("%w: path contains disallowed characters", ErrValidation)
	}
	return nil
}

// ValidatePort checks the TCP port range.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535", ErrValidation)
	}
	return nil
}

func decodeInput(input json.RawMessage, v any) error {
	if len(input) == 0 {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(string(input)))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
