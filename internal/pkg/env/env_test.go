package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvPrecedence(t *testing.T) {
	t.Setenv("CHATCREDITS_TEST_KEY", "from-os")
	Env = map[string]string{"CHATCREDITS_TEST_KEY": "from-file"}
	t.Cleanup(func() { Env = nil })

	assert.Equal(t, "from-file", GetEnv("CHATCREDITS_TEST_KEY", "def"))

	Env = map[string]string{}
	assert.Equal(t, "from-os", GetEnv("CHATCREDITS_TEST_KEY", "def"))
	assert.Equal(t, "def", GetEnv("CHATCREDITS_MISSING_KEY", "def"))
}

func TestIsDev(t *testing.T) {
	Env = map[string]string{"APP_ENV": "dev"}
	t.Cleanup(func() { Env = nil })
	assert.True(t, IsDev())

	Env["APP_ENV"] = "prod"
	assert.False(t, IsDev())
}
