package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/infracollect/remod/locator"
)

func TestKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		locator  string
		filename string
		want     string
	}{
		{name: "repository", locator: "octocat/Hello-World", want: "octocat_Hello-World"},
		{name: "repository with ref", locator: "octocat/Hello-World:v2", want: "octocat_Hello-World_v2"},
		{name: "branch with slashes", locator: "octocat/Hello-World:feature/x", want: "octocat_Hello-World_feature_x"},
		{name: "single file", locator: "octocat/Hello-World", filename: "greet.py", want: "octocat_Hello-World_greet.py"},
		{name: "single file with ref", locator: "octocat/Hello-World:v2", filename: "greet.py", want: "octocat_Hello-World_v2_greet.py"},
		{name: "nested file", locator: "octocat/Hello-World", filename: "lib/greet.lua", want: "octocat_Hello-World_lib_greet.lua"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			id := locator.MustParse(tt.locator)
			assert.Equal(t, tt.want, Key(id, tt.filename))
			// Same inputs always give the same key.
			assert.Equal(t, Key(id, tt.filename), Key(locator.MustParse(tt.locator), tt.filename))
		})
	}
}

func TestKey_Separation(t *testing.T) {
	t.Parallel()

	id := locator.MustParse("octocat/Hello-World:v2")
	assert.NotEqual(t, Key(id, ""), Key(id, "greet.lua"))
	assert.NotEqual(t, Key(id, "a.lua"), Key(id, "b.lua"))
	assert.NotEqual(t, Key(id, ""), Key(locator.MustParse("octocat/Hello-World:v3"), ""))
}

func TestKey_FlatteningCollisions(t *testing.T) {
	t.Parallel()

	// Pinned so a change to these shapes comes with a SchemeVersion bump.
	assert.Equal(t,
		Key(locator.MustParse("octocat/Hello-World:v2"), ""),
		Key(locator.MustParse("octocat/Hello-World"), "v2"))
	id := locator.MustParse("octocat/Hello-World")
	assert.Equal(t, Key(id, "a/b.lua"), Key(id, "a_b.lua"))
}
