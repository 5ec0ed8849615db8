package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_WhitelistedKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	a := NewAccessor(nil, nil)
	v, ok := a.Get("OPENAI_API_KEY")
	require.True(t, ok)
	assert.Equal(t, "sk-test", v)
	assert.True(t, a.Has("OPENAI_API_KEY"))
}

func TestGet_PrefixOverrideWins(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "plain")
	t.Setenv("SKILL_SECRET_ANTHROPIC_API_KEY", "override")

	a := NewAccessor(nil, nil)
	v, ok := a.Get("ANTHROPIC_API_KEY")
	require.True(t, ok)
	assert.Equal(t, "override", v)
}

func TestGet_UnauthorizedKeyReadsAbsent(t *testing.T) {
	t.Setenv("AWS_SECRET_ACCESS_KEY", "should-not-leak")

	a := NewAccessor(nil, nil)
	v, ok := a.Get("AWS_SECRET_ACCESS_KEY")
	assert.False(t, ok)
	assert.Empty(t, v)
	assert.False(t, a.Has("AWS_SECRET_ACCESS_KEY"))
}

func TestGet_ConfiguredAddition(t *testing.T) {
	t.Setenv("REPLICATE_API_TOKEN", "r8-test")

	a := NewAccessor([]string{"REPLICATE_API_TOKEN"}, nil)
	v, ok := a.Get("REPLICATE_API_TOKEN")
	require.True(t, ok)
	assert.Equal(t, "r8-test", v)
}

func TestKeys_SortedAndImmutable(t *testing.T) {
	a := NewAccessor([]string{"ZED_KEY", "ALPHA_KEY"}, nil)

	keys := a.Keys()
	assert.Contains(t, keys, "ALPHA_KEY")
	assert.Contains(t, keys, "OPENAI_API_KEY")
	assert.IsIncreasing(t, keys)

	// Mutating the returned slice must not affect the accessor.
	keys[0] = "HACKED"
	assert.NotContains(t, a.Keys(), "HACKED")
}

func TestGet_UnsetWhitelistedKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	a := NewAccessor(nil, nil)
	_, ok := a.Get("GEMINI_API_KEY")
	assert.False(t, ok)
}
