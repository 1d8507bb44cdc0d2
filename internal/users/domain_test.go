package users

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidUsername(t *testing.T) {
	for _, name := range []string{"deploy", "ci-bot", "j.doe", "ops_admin", "abc"} {
		assert.True(t, ValidUsername(name), name)
	}
	for _, name := range []string{"", "ab", "has space", "semi;colon", "way-too-long-username-over-thirty-two-chars"} {
		assert.False(t, ValidUsername(name), name)
	}
}
