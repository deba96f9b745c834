package inventory

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/mahoushoujyo-eee/eshell/internal/crypto"
	"github.com/mahoushoujyo-eee/eshell/internal/database"
	"github.com/mahoushoujyo-eee/eshell/internal/logutil"
	"gopkg.in/yaml.v3"
)

// File is the inventory YAML document.
type File struct {
	Targets  []TargetSpec  `yaml:"targets"`
	Scripts  []ScriptSpec  `yaml:"scripts"`
	Profiles []ProfileSpec `yaml:"profiles"`
}

type TargetSpec struct {
	Name        string `yaml:"name"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Description string `yaml:"description"`
}

type ScriptSpec struct {
	Name        string `yaml:"name"`
	Path        string `yaml:"path"`
	Command     string `yaml:"command"`
	Description string `yaml:"description"`
}

type ProfileSpec struct {
	Name         string  `yaml:"name"`
	BaseURL      string  `yaml:"baseUrl"`
	APIKey       string  `yaml:"apiKey"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"systemPrompt"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"maxTokens"`
	Active       bool    `yaml:"active"`
}

// Summary counts what an import wrote.
type Summary struct {
	Targets  int `json:"targets"`
	Scripts  int `json:"scripts"`
	Profiles int `json:"profiles"`
}

// ImportFile reads path and imports it.
func ImportFile(path string) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, fmt.Errorf("open inventory: %w", err)
	}
	defer f.Close()
	return Import(f)
}

// Import upserts every entry of the YAML document in r, keyed by name.
// The whole document is validated before anything is written.
func Import(r io.Reader) (Summary, error) {
	var doc File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return Summary{}, fmt.Errorf("parse inventory: %w", err)
	}
	if err := doc.validate(); err != nil {
		return Summary{}, err
	}

	var sum Summary
	for _, spec := range doc.Targets {
		secret, err := crypto.Encrypt(spec.Password)
		if err != nil {
			return sum, fmt.Errorf("encrypt password for %s: %w", spec.Name, err)
		}
		t := &database.RemoteTarget{
			Name:        spec.Name,
			Host:        spec.Host,
			Port:        spec.Port,
			Username:    spec.Username,
			Password:    secret,
			Description: spec.Description,
		}
		if t.Port == 0 {
			t.Port = 22
		}
		if err := database.SaveTarget(t); err != nil {
			return sum, fmt.Errorf("save target %s: %w", spec.Name, err)
		}
		sum.Targets++
	}

	for _, spec := range doc.Scripts {
		s := &database.Script{Name: spec.Name, Path: spec.Path, Command: spec.Command, Description: spec.Description}
		if err := database.SaveScript(s); err != nil {
			return sum, fmt.Errorf("save script %s: %w", spec.Name, err)
		}
		sum.Scripts++
	}

	for _, spec := range doc.Profiles {
		key, err := crypto.Encrypt(spec.APIKey)
		if err != nil {
			return sum, fmt.Errorf("encrypt api key for %s: %w", spec.Name, err)
		}
		p := &database.AIProfile{
			Name:         spec.Name,
			BaseURL:      strings.TrimRight(spec.BaseURL, "/"),
			APIKey:       key,
			Model:        spec.Model,
			SystemPrompt: spec.SystemPrompt,
			Temperature:  spec.Temperature,
			MaxTokens:    spec.MaxTokens,
		}
		if p.MaxTokens == 0 {
			p.MaxTokens = 800
		}
		if err := database.SaveAIProfile(p); err != nil {
			return sum, fmt.Errorf("save profile %s: %w", spec.Name, err)
		}
		if spec.Active {
			if err := database.SetActiveAIProfile(p.ID); err != nil {
				return sum, fmt.Errorf("activate profile %s: %w", spec.Name, err)
			}
		}
		sum.Profiles++
	}

	log.Printf("[inventory] imported %d targets, %d scripts, %d profiles", sum.Targets, sum.Scripts, sum.Profiles)
	return sum, nil
}

func (f *File) validate() error {
	seen := map[string]bool{}
	for i, t := range f.Targets {
		switch {
		case strings.TrimSpace(t.Name) == "":
			return fmt.Errorf("targets[%d]: name is required", i)
		case strings.TrimSpace(t.Host) == "":
			return fmt.Errorf("target %s: host is required", logutil.SanitizeForLog(t.Name))
		case strings.TrimSpace(t.Username) == "":
			return fmt.Errorf("target %s: username is required", logutil.SanitizeForLog(t.Name))
		case t.Port < 0 || t.Port > 65535:
			return fmt.Errorf("target %s: port %d out of range", logutil.SanitizeForLog(t.Name), t.Port)
		case seen[t.Name]:
			return fmt.Errorf("target %s: duplicate name", logutil.SanitizeForLog(t.Name))
		}
		seen[t.Name] = true
	}
	for i, s := range f.Scripts {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("scripts[%d]: name is required", i)
		}
		if strings.TrimSpace(s.Command) == "" && strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("script %s: command or path is required", logutil.SanitizeForLog(s.Name))
		}
	}
	active := 0
	for i, p := range f.Profiles {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("profiles[%d]: name is required", i)
		}
		if p.Active {
			active++
		}
	}
	if active > 1 {
		return fmt.Errorf("at most one profile can be active, got %d", active)
	}
	return nil
}
