package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinProfiles(t *testing.T) {
	profiles := BuiltinProfiles()
	assert.Equal(t, []string{"browser", "chat", "research"}, ProfileNames(profiles))

	for name, p := range profiles {
		require.NoError(t, p.Validate(), name)
		assert.NotEmpty(t, p.SystemPrompt, name)
	}

	browser := profiles["browser"]
	require.NotNil(t, browser.MaxIterations)
	assert.Equal(t, 40, *browser.MaxIterations)
	assert.Equal(t, 2, browser.Recovery.StallThreshold)

	research := profiles["research"]
	assert.True(t, research.Recovery.DisableVerify)
	assert.Contains(t, research.ToolFilter, "fetch_page")

	// each call returns fresh copies
	profiles["chat"].SystemPrompt = "changed"
	assert.NotEqual(t, "changed", BuiltinProfiles()["chat"].SystemPrompt)
}

func TestParseProfileAndApply(t *testing.T) {
	p, err := ParseProfile([]byte(`
name: shopper
system_prompt: Buy things carefully.
tools: ["click", "type", "read_page"]
max_iterations: 0
wall_clock_seconds: 90
temperature: 0.7
max_tokens: 1024
recovery:
  repeat_threshold: 4
approval:
  sensitive: ["click"]
context:
  max_messages: 12
  anchor_user_messages: 1
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"click"}, p.Approval.Sensitive)

	opts := p.Apply(DefaultOptions())
	assert.Equal(t, "Buy things carefully.", opts.SystemPrompt)
	assert.Equal(t, []string{"click", "type", "read_page"}, opts.ToolFilter)
	assert.Equal(t, 0, opts.MaxIterations)
	assert.Equal(t, 90*time.Second, opts.WallClock)
	assert.InDelta(t, 0.7, opts.Temperature, 1e-9)
	assert.Equal(t, 1024, opts.MaxTokens)
	assert.Equal(t, 4, opts.Recovery.RepeatThreshold)
	assert.Equal(t, 12, opts.Budget.MaxMessages)
	assert.Equal(t, 1, opts.Budget.AnchorUserMessages)
}

func TestApplyKeepsUnsetValues(t *testing.T) {
	base := DefaultOptions()
	p := &Profile{Name: "minimal"}

	opts := p.Apply(base)
	assert.Equal(t, base.MaxIterations, opts.MaxIterations)
	assert.Equal(t, base.WallClock, opts.WallClock)
	assert.Equal(t, base.Temperature, opts.Temperature)
	assert.Equal(t, base.Budget, opts.Budget)

	var nilProfile *Profile
	assert.Equal(t, base, nilProfile.Apply(base))
}

func TestProfileValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", "system_prompt: hi\n"},
		{"negative iterations", "name: x\nmax_iterations: -1\n"},
		{"temperature too high", "name: x\ntemperature: 3\n"},
		{"wait too long", "name: x\nrecovery:\n  wait_seconds: 60\n"},
		{"malformed", "name: [x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProfile([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom.yml"), []byte("system_prompt: Custom agent.\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chat.yaml"), []byte("name: chat\nsystem_prompt: Override.\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	profiles, err := LoadProfiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"browser", "chat", "custom", "research"}, ProfileNames(profiles))
	assert.Equal(t, "Custom agent.", profiles["custom"].SystemPrompt)
	assert.Equal(t, "Override.", profiles["chat"].SystemPrompt)
}

func TestLoadProfilesMissingDir(t *testing.T) {
	profiles, err := LoadProfiles(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Len(t, profiles, 3)
}

func TestLoadProfilesRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: bad\ntemperature: 9\n"), 0o644))

	_, err := LoadProfiles(dir)
	assert.Error(t, err)
}
