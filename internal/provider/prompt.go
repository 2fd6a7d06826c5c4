package provider

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompt.yaml
var defaultPrompt []byte

// AnswersPlaceholder marks the message that carries the user's answers.
const AnswersPlaceholder = "{{answers}}"

// Message is one chat message of the instruction set.
type Message struct {
	Role    string `yaml:"role" json:"role"`
	Content string `yaml:"content" json:"content"`
}

// Function names and describes the structured-output function.
type Function struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Prompt is the fixed instruction set for plan generation.
type Prompt struct {
	Model       string    `yaml:"model"`
	Temperature float64   `yaml:"temperature"`
	Function    Function  `yaml:"function"`
	Messages    []Message `yaml:"messages"`
}

// DefaultPrompt returns the built-in instruction set.
func DefaultPrompt() (*Prompt, error) {
	return ParsePrompt(defaultPrompt)
}

// LoadPrompt reads an instruction set from a YAML file. An empty path
// returns the built-in prompt.
func LoadPrompt(path string) (*Prompt, error) {
	if path == "" {
		return DefaultPrompt()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt file: %w", err)
	}
	return ParsePrompt(b)
}

// ParsePrompt decodes and validates a YAML instruction set.
func ParsePrompt(b []byte) (*Prompt, error) {
	var p Prompt
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse prompt: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Prompt) Validate() error {
	if p.Function.Name == "" {
		return errors.New("prompt function.name must not be empty")
	}
	if len(p.Messages) == 0 {
		return errors.New("prompt must contain at least one message")
	}
	found := false
	for i, m := range p.Messages {
		switch m.Role {
		case "system", "assistant", "user":
		default:
			return fmt.Errorf("prompt message %d: unknown role %q", i, m.Role)
		}
		if strings.Contains(m.Content, AnswersPlaceholder) {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("prompt must contain a message with %s", AnswersPlaceholder)
	}
	return nil
}

// Render returns the messages with the answers substituted.
func (p *Prompt) Render(answers []byte) []Message {
	out := make([]Message, len(p.Messages))
	for i, m := range p.Messages {
		out[i] = Message{
			Role:    m.Role,
			Content: strings.ReplaceAll(m.Content, AnswersPlaceholder, string(answers)),
		}
	}
	return out
}
