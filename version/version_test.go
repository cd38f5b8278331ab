package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	info := Build()
	require.NotNil(t, info)
	assert.NotEmpty(t, info.GoVersion)
	assert.NotEmpty(t, info.ClientVersion)

	for i := 1; i < len(info.Dependencies); i++ {
		assert.LessOrEqual(t, info.Dependencies[i-1].Path, info.Dependencies[i].Path)
	}
}

func TestUserAgent(t *testing.T) {
	assert.True(t, strings.HasPrefix(UserAgent(), "zenoo-go/"))
}
