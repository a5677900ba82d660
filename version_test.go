package lendingcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetVersionInfo(t *testing.T) {
	info := GetVersionInfo()
	assert.Equal(t, Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestVersionConstant(t *testing.T) {
	assert.NotEmpty(t, Version)
	assert.GreaterOrEqual(t, len(Version), 5, "expected a semantic version like v1.0.0")
}
