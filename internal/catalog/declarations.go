package catalog

import (
	"encoding/json"
	"time"
)

func declarations() []*Operation {
	return []*Operation{
		{
			Name:    OpDetectSystem,
			Purpose: "Detect OS, hardware, and which prerequisites are already installed.",
			Class:   ClassSafe,
			Timeout: 30 * time.Second,
			Schema:  objectSchema(nil, nil),
		},
		{
			Name:    OpCheckPort,
			Purpose: "Check whether a TCP port is free on both IPv4 and IPv6.",
			Class:   ClassSafe,
			Timeout: 10 * time.Second,
			Schema: objectSchema(map[string]any{
				"port": map[string]any{"type": "integer", "minimum": 1, "maximum": 65535},
			}, []string{"port"}),
			Validate: func(input json.RawMessage) error {
				var in CheckPortInput
				if err := decodeInput(input, &in); err != nil {
					return err
				}
				return ValidatePort(in.Port)
			},
		},
		{
			Name:    OpInstallConda,
			Purpose: "Download and install an isolated Miniconda into the MindLoom directory.",
			Class:   ClassConfirm,
			Timeout: 15 * time.Minute,
			Schema: objectSchema(map[string]any{
				"confirmed": map[string]any{"type": "boolean", "description": "Set true only after the user approved the install in this turn."},
			}, []string{"confirmed"}),
		},
		{
			Name:    OpInstallGit,
			Purpose: "Install Git, or return manual instructions where that needs sudo.",
			Class:   ClassSafe,
			Timeout: 15 * time.Minute,
			Schema:  objectSchema(nil, nil),
		},
		{
			Name:    OpCloneRepo,
			Purpose: "Clone the MindLoom repository into the home directory.",
			Class:   ClassSafe,
			Timeout: 5 * time.Minute,
			Schema: objectSchema(map[string]any{
				"repo_url":    map[string]any{"type": "string"},
				"target_path": map[string]any{"type": "string"},
			}, nil),
			Validate: func(input json.RawMessage) error {
				var in CloneRepoInput
				if err := decodeInput(input, &in); err != nil {
					return err
				}
				if in.RepoURL != "" {
					if err := ValidateRepoURL(in.RepoURL); err != nil {
						return err
					}
				}
				if in.TargetPath != "" {
					if err := ValidateRelPath(in.TargetPath); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Name:    OpCreateCondaEnv,
			Purpose: "Create the MindLoom conda environment (python, nodejs, git).",
			Class:   ClassSafe,
			Timeout: 10 * time.Minute,
			Schema: objectSchema(map[string]any{
				"env_name":       map[string]any{"type": "string"},
				"force_recreate": map[string]any{"type": "boolean"},
			}, nil),
			Validate: validateCondaEnvInput,
		},
		{
			Name:    OpInstallCondaEnv,
			Purpose: "Update the conda environment from the repository's environment.yml.",
			Class:   ClassSafe,
			Timeout: 15 * time.Minute,
			Schema: objectSchema(map[string]any{
				"env_name":         map[string]any{"type": "string"},
				"repo_path":        map[string]any{"type": "string"},
				"environment_file": map[string]any{"type": "string"},
			}, []string{"env_name"}),
			Validate: validateCondaEnvInput,
		},
		{
			Name:    OpInstallAllDeps,
			Purpose: "Install backend (pip) and frontend (npm) dependencies concurrently.",
			Class:   ClassSafe,
			Timeout: 20 * time.Minute,
			Schema: objectSchema(map[string]any{
				"env_name":  map[string]any{"type": "string"},
				"repo_path": map[string]any{"type": "string"},
			}, nil),
			Validate: func(input json.RawMessage) error {
				var in DepsInput
				if err := decodeInput(input, &in); err != nil {
					return err
				}
				if in.EnvName != "" {
					if err := ValidateEnvName(in.EnvName); err != nil {
						return err
					}
				}
				if in.RepoPath != "" {
					if err := ValidateRelPath(in.RepoPath); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Name:    OpSetupEnvFile,
			Purpose: "Create backend/.env from the repository's .env-dev template.",
			Class:   ClassSafe,
			Timeout: 30 * time.Second,
			Schema: objectSchema(map[string]any{
				"repo_path": map[string]any{"type": "string"},
			}, nil),
			Validate: func(input json.RawMessage) error {
				var in EnvFileInput
				if err := decodeInput(input, &in); err != nil {
					return err
				}
				if in.RepoPath != "" {
					return ValidateRelPath(in.RepoPath)
				}
				return nil
			},
		},
		{
			Name:    OpInstallOllama,
			Purpose: "Ensure the local model runtime is installed and running, or return manual install guidance.",
			Class:   ClassInstallComplete,
			Timeout: 2 * time.Minute,
			Schema:  objectSchema(nil, nil),
		},
		{
			Name:    OpStartOllama,
			Purpose: "Start the local model runtime service.",
			Class:   ClassInstallComplete,
			Timeout: time.Minute,
			Schema:  objectSchema(nil, nil),
		},
		{
			Name:    OpPullOllamaModel,
			Purpose: "Pull a named model into the local model runtime, streaming progress.",
			Class:   ClassInstallComplete,
			Timeout: 30 * time.Minute,
			Schema: objectSchema(map[string]any{
				"model":    map[string]any{"type": "string"},
				"registry": map[string]any{"type": "string"},
				"force":    map[string]any{"type": "boolean"},
			}, []string{"model"}),
			Validate: func(input json.RawMessage) error {
				var in PullModelInput
				if err := decodeInput(input, &in); err != nil {
					return err
				}
				if err := ValidateModelName(in.Model); err != nil {
					return err
				}
				if in.Registry != "" {
					return ValidateRegistry(in.Registry)
				}
				return nil
			},
		},
		{
			Name:    OpStartMindloom,
			Purpose: "Start the MindLoom backend and frontend services.",
			Class:   ClassConfirm,
			Timeout: 2 * time.Minute,
			Schema: objectSchema(map[string]any{
				"frontend_port": map[string]any{"type": "integer"},
				"backend_port":  map[string]any{"type": "integer"},
				"confirmed":     map[string]any{"type": "boolean", "description": "Set true only after the user approved the start in this turn."},
			}, []string{"confirmed"}),
			Validate: validateServiceInput,
		},
		{
			Name:    OpStopMindloom,
			Purpose: "Stop the MindLoom services.",
			Class:   ClassSafe,
			Timeout: time.Minute,
			Schema:  objectSchema(nil, nil),
		},
		{
			Name:    OpRestartMindloom,
			Purpose: "Restart the MindLoom services (stop, then start).",
			Class:   ClassConfirm,
			Timeout: 3 * time.Minute,
			Schema: objectSchema(map[string]any{
				"frontend_port": map[string]any{"type": "integer"},
				"backend_port":  map[string]any{"type": "integer"},
				"confirmed":     map[string]any{"type": "boolean"},
			}, []string{"confirmed"}),
			Validate: validateServiceInput,
		},
		{
			Name:    OpMindloomStatus,
			Purpose: "Report whether the MindLoom services are running and on which ports.",
			Class:   ClassSafe,
			Timeout: 10 * time.Second,
			Schema:  objectSchema(nil, nil),
		},
	}
}

func validateCondaEnvInput(input json.RawMessage) error {
	var in CondaEnvInput
	if err := decodeInput(input, &in); err != nil {
		return err
	}
	if in.EnvName != "" {
		if err := ValidateEnvName(in.EnvName); err != nil {
			return err
		}
	}
	if in.RepoPath != "" {
		if err := ValidateRelPath(in.RepoPath); err != nil {
			return err
		}
	}
	if in.EnvironmentFile != "" {
		if err := ValidateRelPath(in.EnvironmentFile); err != nil {
			return err
		}
	}
	return nil
}

func validateServiceInput(input json.RawMessage) error {
	var in ServiceInput
	if err := decodeInput(input, &in); err != nil {
		return err
	}
	if in.FrontendPort != 0 {
		if err := ValidatePort(in.FrontendPort); err != nil {
			return err
		}
	}
	if in.BackendPort != 0 {
		if err := ValidatePort(in.BackendPort); err != nil {
			return err
		}
	}
	return nil
}

func objectSchema(props map[string]any, required []string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
