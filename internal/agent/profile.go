package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/codefionn/agentloop/internal/approval"
	"github.com/codefionn/agentloop/internal/contextwindow"
	"github.com/codefionn/agentloop/internal/recovery"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Profile parameterizes the loop for one kind of agent. Variants such as a
// chat, browser or research agent differ only in their profile.
type Profile struct {
	Name         string   `yaml:"name" json:"name" validate:"required"`
	Description  string   `yaml:"description,omitempty" json:"description,omitempty"`
	SystemPrompt string   `yaml:"system_prompt" json:"system_prompt"`
	ToolFilter   []string `yaml:"tools,omitempty" json:"tools,omitempty"`
	// MaxIterations is optional so that an explicit 0 can be told apart
	// from an unset value.
	MaxIterations    *int                  `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty" validate:"omitempty,min=0"`
	WallClockSeconds int                   `yaml:"wall_clock_seconds,omitempty" json:"wall_clock_seconds,omitempty" validate:"min=0"`
	Temperature      *float64              `yaml:"temperature,omitempty" json:"temperature,omitempty" validate:"omitempty,min=0,max=2"`
	MaxTokens        int                   `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" validate:"min=0"`
	Recovery         recovery.Config       `yaml:"recovery,omitempty" json:"recovery,omitempty"`
	Approval         approval.Policy       `yaml:"approval,omitempty" json:"approval,omitempty"`
	Context          *contextwindow.Budget `yaml:"context,omitempty" json:"context,omitempty"`
}

// Validate checks the profile's field constraints.
func (p *Profile) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid profile %q: %w", p.Name, err)
	}
	return nil
}

// Apply overlays the values the profile sets onto opts.
func (p *Profile) Apply(opts Options) Options {
	if p == nil {
		return opts
	}
	if p.SystemPrompt != "" {
		opts.SystemPrompt = p.SystemPrompt
	}
	if len(p.ToolFilter) > 0 {
		opts.ToolFilter = append([]string(nil), p.ToolFilter...)
	}
	if p.MaxIterations != nil {
		opts.MaxIterations = *p.MaxIterations
	}
	if p.WallClockSeconds > 0 {
		opts.WallClock = time.Duration(p.WallClockSeconds) * time.Second
	}
	if p.Temperature != nil {
		opts.Temperature = *p.Temperature
	}
	if p.MaxTokens > 0 {
		opts.MaxTokens = p.MaxTokens
	}
	opts.Recovery = p.Recovery
	if p.Context != nil {
		opts.Budget = *p.Context
	}
	return opts
}

// ParseProfile decodes and validates a YAML profile.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadProfile reads a YAML profile from path. A profile without a name is
// named after its file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadProfiles reads every *.yaml and *.yml file in dir on top of the
// builtin profiles. A missing directory yields just the builtins.
func LoadProfiles(dir string) (map[string]*Profile, error) {
	profiles := BuiltinProfiles()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return profiles, nil
		}
		return nil, err
	}
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		p, err := LoadProfile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		profiles[p.Name] = p
	}
	return profiles, nil
}

// ProfileNames returns the sorted names of profiles.
func ProfileNames(profiles map[string]*Profile) []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinProfilesYAML = `
- name: chat
  description: General assistant that answers directly and uses tools when needed
  system_prompt: |
    You are a helpful assistant. Answer directly when you can. Use the
    available tools only when they are needed to answer correctly, and
    finish with a concise answer once you have what you need.
- name: browser
  description: Web agent that navigates pages and verifies every action
  system_prompt: |
    You operate a web browser through tools. Observe the page before acting,
    act on one element at a time, and check the page again after each action.
    When the task is done, reply with a short summary of what you did.
  max_iterations: 40
  recovery:
    stall_threshold: 2
- name: research
  description: Research agent that searches, reads sources and cites them
  system_prompt: |
    You research questions using search and page fetching tools. Prefer
    primary sources, read before you cite, and finish with an answer that
    lists the URLs you used.
  tools: ["fetch_page", "wait", "*search*", "mcp_*"]
  max_iterations: 30
  recovery:
    disable_verify: true
`

// BuiltinProfiles returns fresh copies of the bundled profiles.
func BuiltinProfiles() map[string]*Profile {
	var list []*Profile
	if err := yaml.Unmarshal([]byte(builtinProfilesYAML), &list); err != nil {
		panic(fmt.Sprintf("builtin profiles: %v", err))
	}
	out := make(map[string]*Profile, len(list))
	for _, p := range list {
		out[p.Name] = p
	}
	return out
}
