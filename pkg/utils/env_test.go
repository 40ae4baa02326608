package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("BALANCEX_TEST_INT", "12")
	t.Setenv("BALANCEX_TEST_BAD_INT", "-3")
	t.Setenv("BALANCEX_TEST_DURATION", "750ms")
	t.Setenv("BALANCEX_TEST_LIST", " wss://a , ,https://b ")

	assert.Equal(t, 12, EnvInt("BALANCEX_TEST_INT", 1))
	assert.Equal(t, 1, EnvInt("BALANCEX_TEST_BAD_INT", 1))
	assert.Equal(t, "fallback", Env("BALANCEX_TEST_UNSET", "fallback"))
	assert.Equal(t, 750*time.Millisecond, EnvDuration("BALANCEX_TEST_DURATION", time.Second))
	assert.Equal(t, []string{"wss://a", "https://b"}, EnvList("BALANCEX_TEST_LIST", nil))

	t.Setenv("BALANCEX_TEST_BOOL", "true")
	t.Setenv("BALANCEX_TEST_BAD_BOOL", "perhaps")
	assert.True(t, EnvBool("BALANCEX_TEST_BOOL", false))
	assert.True(t, EnvBool("BALANCEX_TEST_BAD_BOOL", true))
	assert.False(t, EnvBool("BALANCEX_TEST_UNSET", false))
}

func TestDedup(t *testing.T) {
	in := []string{"http://node/", "http://node", " ", "ws://other"}
	assert.Equal(t, []string{"http://node", "ws://other"}, Dedup(in))
}
