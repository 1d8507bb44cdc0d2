package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeRedirect(t *testing.T) {
	assert.Equal(t, "/", safeRedirect(""))
	assert.Equal(t, "/projects/3", safeRedirect("/projects/3"))
	assert.Equal(t, "/", safeRedirect("https://evil.example/phish"))
	assert.Equal(t, "/", safeRedirect("//evil.example"))
	assert.Equal(t, "/", safeRedirect("relative/path"))
}
