// Package mode loads the mode manifest: launch defaults for agent sessions
// and the greeting shown when a session starts.
package mode

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/workspace/session-bridge/internal/agentproc"
)

// Manifest is the parsed mode manifest.
type Manifest struct {
	// Watch lists paths the mode's file watcher observes. The bridge only
	// reports them; watching is done elsewhere.
	Watch []string `yaml:"watch" json:"watch,omitempty"`
	// SkillsDir is resolved against the manifest's directory when relative.
	SkillsDir string     `yaml:"skills_dir" json:"skillsDir,omitempty"`
	Agent     AgentBlock `yaml:"agent" json:"agent"`

	// Path is the file the manifest was loaded from.
	Path     string    `yaml:"-" json:"path"`
	LoadedAt time.Time `yaml:"-" json:"loadedAt"`
}

// AgentBlock holds the agent launch defaults.
type AgentBlock struct {
	PermissionMode string `yaml:"permission_mode" json:"permissionMode,omitempty"`
	Model          string `yaml:"model" json:"model,omitempty"`
	Greeting       string `yaml:"greeting" json:"greeting,omitempty"`
}

// Load reads the manifest at path. It returns nil, nil when path is empty or
// the file does not exist, and an error only when the file exists but is
// invalid.
func Load(path string) (*Manifest, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mode manifest: %w", err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if m == nil {
		return nil, nil
	}
	m.Path = path
	if m.SkillsDir != "" && !filepath.IsAbs(m.SkillsDir) {
		m.SkillsDir = filepath.Join(filepath.Dir(path), m.SkillsDir)
	}
	return m, nil
}

// Parse decodes manifest YAML. Empty input yields nil.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse mode manifest: %w", err)
	}
	if m.isZero() {
		return nil, nil
	}
	if pm := m.Agent.PermissionMode; pm != "" && !agentproc.ValidPermissionMode(pm) {
		return nil, fmt.Errorf("unsupported agent.permission_mode %q", pm)
	}
	m.LoadedAt = time.Now().UTC()
	return &m, nil
}

func (m *Manifest) isZero() bool {
	return len(m.Watch) == 0 && m.SkillsDir == "" && m.Agent == (AgentBlock{})
}

// ApplyDefaults fills model and permission mode from the manifest where the
// caller left them empty. A nil manifest changes nothing.
func (m *Manifest) ApplyDefaults(model, permissionMode string) (string, string) {
	if m == nil {
		return model, permissionMode
	}
	if model == "" {
		model = m.Agent.Model
	}
	if permissionMode == "" {
		permissionMode = m.Agent.PermissionMode
	}
	return model, permissionMode
}

// Greeting returns the text announced when a session starts, or "".
func (m *Manifest) Greeting() string {
	if m == nil {
		return ""
	}
	return m.Agent.Greeting
}
