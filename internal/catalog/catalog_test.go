package catalog

import (
	"encoding/json"
	"errors"
	"testing"
)

type fakeSession struct {
	completed bool
}

func (s *fakeSession) InstallCompleted() bool { return s.completed }

func TestNewDeclaresAllOperations(t *testing.T) {
	c := New()
	expected := []string{
		OpDetectSystem, OpCheckPort, OpInstallConda, OpInstallGit,
		OpCloneRepo, OpCreateCondaEnv, OpInstallCondaEnv, OpInstallAllDeps,
		OpSetupEnvFile, OpInstallOllama, OpStartOllama, OpPullOllamaModel,
		OpStartMindloom, OpStopMindloom, OpRestartMindloom, OpMindloomStatus,
	}
	names := c.Names()
	if len(names) != len(expected) {
		t.Fatalf("Expected %d operations, got %d", len(expected), len(names))
	}
	for _, name := range expected {
		if _, err := c.Lookup(name); err != nil {
			t.Errorf("Lookup(%s) failed: %v", name, err)
		}
	}
}

func TestLookupUnknown(t *testing.T) {
	c := New()
	_, err := c.Lookup("run_command")
	if !errors.Is(err, ErrUnknownOperation) {
		t.Errorf("Expected ErrUnknownOperation, got %v", err)
	}
}

func TestCheckGatesUnknownOperation(t *testing.T) {
	c := New()
	_, err := c.CheckGates("format_disk", nil, &fakeSession{})
	if !errors.Is(err, ErrUnknownOperation) {
		t.Errorf("Expected ErrUnknownOperation, got %v", err)
	}
}

func TestCheckGatesValidation(t *testing.T) {
	c := New()
	input := json.RawMessage(`{"model":"llama; rm -rf /"}`)
	_, err := c.CheckGates(OpPullOllamaModel, input, &fakeSession{completed: true})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
}

func TestCheckGatesConfirmation(t *testing.T) {
	c := New()
	sess := &fakeSession{}

	if _, err := c.CheckGates(OpInstallConda, json.RawMessage(`{"confirmed":false}`), sess); !errors.Is(err, ErrConfirmationRequired) {
		t.Errorf("Expected ErrConfirmationRequired for confirmed=false, got %v", err)
	}
	if _, err := c.CheckGates(OpInstallConda, json.RawMessage(`{}`), sess); !errors.Is(err, ErrConfirmationRequired) {
		t.Errorf("Expected ErrConfirmationRequired for missing flag, got %v", err)
	}
	if _, err := c.CheckGates(OpInstallConda, json.RawMessage(`{"confirmed":true}`), sess); err != nil {
		t.Errorf("Expected confirmed install to pass the gate, got %v", err)
	}
}

func TestCheckGatesInstallComplete(t *testing.T) {
	c := New()

	_, err := c.CheckGates(OpInstallOllama, nil, &fakeSession{completed: false})
	if !errors.Is(err, ErrInstallIncomplete) {
		t.Errorf("Expected ErrInstallIncomplete, got %v", err)
	}

	if _, err := c.CheckGates(OpInstallOllama, nil, &fakeSession{completed: true}); err != nil {
		t.Errorf("Expected gate to pass after install, got %v", err)
	}

	// Safe operations never consult install state.
	if _, err := c.CheckGates(OpDetectSystem, nil, &fakeSession{completed: false}); err != nil {
		t.Errorf("Expected safe operation to pass, got %v", err)
	}
}

func TestValidateEnvName(t *testing.T) {
	valid := []string{"MindLoomDev", "env_1", "a-b-c"}
	for _, name := range valid {
		if err := ValidateEnvName(name); err != nil {
			t.Errorf("ValidateEnvName(%q) failed: %v", name, err)
		}
	}
	invalid := []string{"", "  ", "env name", "env;rm", "env/name", "env$HOME"}
	for _, name := range invalid {
		if err := ValidateEnvName(name); err == nil {
			t.Errorf("ValidateEnvName(%q) should fail", name)
		}
	}
}

func TestValidateModelName(t *testing.T) {
	valid := []string{"llama3.1:8b", "library/mistral", "gemma-2b", "hf.co/user/model:Q4"}
	for _, name := range valid {
		if err := ValidateModelName(name); err != nil {
			t.Errorf("ValidateModelName(%q) failed: %v", name, err)
		}
	}
	invalid := []string{"", "model name", "model;x", "model|x", "model$(x)"}
	for _, name := range invalid {
		if err := ValidateModelName(name); err == nil {
			t.Errorf("ValidateModelName(%q) should fail", name)
		}
	}
}

func TestValidateRepoURL(t *testing.T) {
	if err := ValidateRepoURL("https://github.com/mindloom-ai/mindloom.git"); err != nil {
		t.Errorf("https URL should pass: %v", err)
	}
	if err := ValidateRepoURL("git@github.com:mindloom-ai/mindloom.git"); err != nil {
		t.Errorf("git@ URL should pass: %v", err)
	}
	for _, url := range []string{"http://github.com/x", "file:///etc/passwd", "ftp://x", ""} {
		if err := ValidateRepoURL(url); err == nil {
			t.Errorf("ValidateRepoURL(%q) should fail", url)
		}
	}
}

func TestValidateRelPath(t *testing.T) {
	if err := ValidateRelPath("MindLoom"); err != nil {
		t.Errorf("Simple path should pass: %v", err)
	}
	if err := ValidateRelPath("projects/mindloom"); err != nil {
		t.Errorf("Nested path should pass: %v", err)
	}
	for _, p := range []string{"../etc", "a/../../b", "path;rm", "p|x"} {
		if err := ValidateRelPath(p); err == nil {
			t.Errorf("ValidateRelPath(%q) should fail", p)
		}
	}
}

func TestValidatePort(t *testing.T) {
	for _, p := range []int{1, 5173, 65535} {
		if err := ValidatePort(p); err != nil {
			t.Errorf("ValidatePort(%d) failed: %v", p, err)
		}
	}
	for _, p := range []int{0, -1, 65536, 700000} {
		if err := ValidatePort(p); err == nil {
			t.Errorf("ValidatePort(%d) should fail", p)
		}
	}
}

func TestEveryConfirmOperationRequiresConfirmedInSchema(t *testing.T) {
	c := New()
	for _, op := range c.Operations() {
		if op.Class != ClassConfirm {
			continue
		}
		props, ok := op.Schema["properties"].(map[string]any)
		if !ok {
			t.Errorf("%s: schema has no properties", op.Name)
			continue
		}
		if _, ok := props["confirmed"]; !ok {
			t.Errorf("%s: confirmation-gated operation must declare the confirmed flag", op.Name)
		}
	}
}

func TestOperationTimeoutsArePositive(t *testing.T) {
	for _, op := range New().Operations() {
		if op.Timeout <= 0 {
			t.Errorf("%s: timeout must be positive", op.Name)
		}
	}
}
