// Package inventory is the read side of saved configuration: SSH targets,
// scripts and AI provider profiles. Secrets are decrypted on the way out.
// It also imports an inventory YAML file into the database.
package inventory

import (
	"errors"
	"fmt"

	"github.com/mahoushoujyo-eee/eshell/internal/apperr"
	"github.com/mahoushoujyo-eee/eshell/internal/config"
	"github.com/mahoushoujyo-eee/eshell/internal/crypto"
	"github.com/mahoushoujyo-eee/eshell/internal/database"
	"github.com/mahoushoujyo-eee/eshell/internal/llm"
	"github.com/mahoushoujyo-eee/eshell/internal/sshconn"
)

// Source reads configuration from the database.
type Source struct{}

// Target loads and decrypts a saved SSH target.
func (Source) Target(id string) (sshconn.Target, error) {
	t, err := database.GetTarget(id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return sshconn.Target{}, apperr.NotFound("target %s not found", id)
		}
		return sshconn.Target{}, apperr.Runtime(err, "load target")
	}
	password, err := crypto.Decrypt(t.Password)
	if err != nil {
		return sshconn.Target{}, apperr.Runtime(err, "decrypt password for target %s", t.Name)
	}
	return sshconn.Target{
		ID:       t.ID,
		Name:     t.Name,
		Host:     t.Host,
		Port:     t.Port,
		Username: t.Username,
		Password: password,
	}, nil
}

// Script loads a saved script.
func (Source) Script(id string) (database.Script, error) {
	s, err := database.GetScript(id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.Script{}, apperr.NotFound("script %s not found", id)
		}
		return database.Script{}, apperr.Runtime(err, "load script")
	}
	return *s, nil
}

// AIConfig returns the active AI profile, or the environment defaults when
// no profile is active.
func (Source) AIConfig() (llm.Config, error) {
	p, err := database.ActiveAIProfile()
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return FallbackAIConfig(), nil
		}
		return llm.Config{}, apperr.Runtime(err, "load active ai profile")
	}
	key, err := crypto.Decrypt(p.APIKey)
	if err != nil {
		return llm.Config{}, apperr.Runtime(err, "decrypt api key for profile %s", p.Name)
	}
	cfg := llm.Config{
		BaseURL:      p.BaseURL,
		APIKey:       key,
		Model:        p.Model,
		SystemPrompt: p.SystemPrompt,
		Temperature:  p.Temperature,
		MaxTokens:    p.MaxTokens,
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = llm.DefaultSystemPrompt
	}
	return cfg, nil
}

// FallbackAIConfig builds a provider config from config.Cfg.
func FallbackAIConfig() llm.Config {
	prompt := config.Cfg.LLMSystemPrompt
	if prompt == "" {
		prompt = llm.DefaultSystemPrompt
	}
	return llm.Config{
		BaseURL:      config.Cfg.LLMBaseURL,
		APIKey:       config.Cfg.LLMAPIKey,
		Model:        config.Cfg.LLMModel,
		SystemPrompt: prompt,
		Temperature:  config.Cfg.LLMTemperature,
		MaxTokens:    config.Cfg.LLMMaxTokens,
	}
}

// TargetView is the API shape of a target; the secret is masked.
type TargetView struct {
	database.RemoteTarget
	PasswordMasked string `json:"password_masked"`
}

// ListTargets returns all targets with masked secrets.
func (Source) ListTargets() ([]TargetView, error) {
	targets, err := database.ListTargets()
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	views := make([]TargetView, 0, len(targets))
	for _, t := range targets {
		v := TargetView{RemoteTarget: t}
		if plain, err := crypto.Decrypt(t.Password); err == nil {
			v.PasswordMasked = crypto.Mask(plain)
		}
		views = append(views, v)
	}
	return views, nil
}
