package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobMatch(t *testing.T) {
	cases := []struct {
		pattern string
		input   string
		want    bool
	}{
		{"user:42:*", "user:42:profile", true},
		{"user:42:*", "user:421:profile", false},
		{"user:*:profile", "user:42:profile", true},
		{"credit:score:*", "credit:score:u1", true},
		{"credit:score:*", "credit:report:u1", false},
		{"api:response:*", "api:response:GET:/api/loans?page=1", true},
		{"loan:?", "loan:1", true},
		{"loan:?", "loan:12", false},
		{"loan:[0-9]*", "loan:42:status", true},
		{"loan:[0-9]*", "loan:abc", false},
		{"exact:key", "exact:key", true},
		{"exact:key", "exact:key:more", false},
		{"*", "anything", true},
		{"a.b", "axb", false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, GlobMatch(tc.pattern, tc.input),
			"pattern %q against %q", tc.pattern, tc.input)
	}
}

func TestGlobToRegexpCrossesSlashes(t *testing.T) {
	re, err := GlobToRegexp("api:response:GET:*")
	assert.NoError(t, err)
	assert.True(t, re.MatchString("api:response:GET:/api/loans/42"))
}
