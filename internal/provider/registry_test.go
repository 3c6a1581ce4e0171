package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetect(t *testing.T) {
	testCases := []struct {
		model          string
		expectedPrefix string
		expectedName   string
	}{
		{"claude-3-7-sonnet", "claude-", "Claude"},
		{"claude-sonnet-4-5", "claude-", "Claude"},
		{"gemini-3-pro-preview", "gemini-", "Gemini"},
		{"gemini-2.0-flash", "gemini-", "Gemini"},
		{"gpt-4", "", "Others"},
		{"", "", "Others"},
		{"claude", "", "Others"},
	}

	for _, tc := range testCases {
		prefix, info := Detect(tc.model)
		assert.Equal(t, tc.expectedPrefix, prefix, "prefix for %q", tc.model)
		assert.Equal(t, tc.expectedName, info.Name, "provider for %q", tc.model)
		if prefix != "" {
			assert.Equal(t, prefix, tc.model[:len(prefix)], "returned prefix must prefix the model")
		}
	}
}

func TestGetProviderInfo(t *testing.T) {
	info := GetProviderInfo("claude-3-5-haiku-latest")
	assert.Equal(t, "Anthropic", info.Company)

	info = GetProviderInfo("mystery-model")
	assert.Equal(t, OthersInfo, info)
}

func TestPrefixesOrder(t *testing.T) {
	assert.Equal(t, []string{"claude-", "gemini-"}, Prefixes())
}
