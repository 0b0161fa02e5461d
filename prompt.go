package slackseek

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Prompt is a chat-completion prompt with its model parameters, loaded from
// a TOML file so it can be tuned without recompiling.
type Prompt struct {
	System      string  `toml:"system"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
}

// LoadPrompt reads a prompt TOML file. Missing fields fall back to the
// defaults in def; an empty system prompt is a config error.
func LoadPrompt(path string, def Prompt) (Prompt, error) {
	p := def
	if path != "" {
		if _, err := toml.DecodeFile(path, &p); err != nil {
			return Prompt{}, Errorf(KindConfig, "load prompt %s: %v", path, err)
		}
	}
	if p.System == "" {
		return Prompt{}, Errorf(KindConfig, "prompt %s: system text is empty", path)
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return Prompt{}, Errorf(KindConfig, "prompt %s: temperature %v out of range", path, p.Temperature)
	}
	return p, nil
}

// MustPrompt is LoadPrompt for compile-time defaults that cannot fail.
func MustPrompt(def Prompt) Prompt {
	p, err := LoadPrompt("", def)
	if err != nil {
		panic(fmt.Sprintf("invalid built-in prompt: %v", err))
	}
	return p
}

// WritePromptTemplate writes def to path as TOML, used by the CLI to emit a
// starting point for customization. It refuses to overwrite an existing file.
func WritePromptTemplate(path string, def Prompt) error {
	if _, err := os.Stat(path); err == nil {
		return Errorf(KindConfig, "prompt template %s already exists", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return Errorf(KindPersistence, "create %s: %v", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(def); err != nil {
		return Errorf(KindPersistence, "encode %s: %v", path, err)
	}
	return nil
}
