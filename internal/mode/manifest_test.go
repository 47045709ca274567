package mode

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mode.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeManifest(t, `
watch:
  - src/**/*.go
  - go.mod
skills_dir: skills
agent:
  permission_mode: acceptEdits
  model: opus
  greeting: Ready when you are.
`)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m == nil {
		t.Fatal("expected manifest, got nil")
	}
	if len(m.Watch) != 2 || m.Watch[1] != "go.mod" {
		t.Errorf("Watch = %v", m.Watch)
	}
	if want := filepath.Join(filepath.Dir(path), "skills"); m.SkillsDir != want {
		t.Errorf("SkillsDir = %q, want %q", m.SkillsDir, want)
	}
	if m.Agent.PermissionMode != "acceptEdits" || m.Agent.Model != "opus" {
		t.Errorf("Agent = %+v", m.Agent)
	}
	if m.Greeting() != "Ready when you are." {
		t.Errorf("Greeting = %q", m.Greeting())
	}
	if m.Path != path || m.LoadedAt.IsZero() {
		t.Errorf("Path = %q LoadedAt = %v", m.Path, m.LoadedAt)
	}
}

func TestLoadMissingOrEmpty(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"no path", func(*testing.T) string { return "" }},
		{"missing file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent.yaml") }},
		{"empty file", func(t *testing.T) string { return writeManifest(t, "") }},
		{"comments only", func(t *testing.T) string { return writeManifest(t, "# nothing here\n") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Load(tt.path(t))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if m != nil {
				t.Fatalf("expected nil manifest, got %+v", m)
			}
		})
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad yaml", "agent: [unclosed", "parse mode manifest"},
		{"bad permission mode", "agent:\n  permission_mode: yolo\n", "yolo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeManifest(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestAbsoluteSkillsDirKept(t *testing.T) {
	m, err := Load(writeManifest(t, "skills_dir: /opt/skills\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.SkillsDir != "/opt/skills" {
		t.Fatalf("SkillsDir = %q", m.SkillsDir)
	}
}

func TestApplyDefaults(t *testing.T) {
	m := &Manifest{Agent: AgentBlock{Model: "opus", PermissionMode: "plan"}}

	model, pm := m.ApplyDefaults("", "")
	if model != "opus" || pm != "plan" {
		t.Errorf("defaults = %q, %q", model, pm)
	}
	model, pm = m.ApplyDefaults("haiku", "default")
	if model != "haiku" || pm != "default" {
		t.Errorf("explicit values overridden: %q, %q", model, pm)
	}

	var none *Manifest
	model, pm = none.ApplyDefaults("x", "")
	if model != "x" || pm != "" || none.Greeting() != "" {
		t.Errorf("nil manifest changed values: %q, %q", model, pm)
	}
}
