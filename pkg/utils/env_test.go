package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("PN_STR", "")
	assert.Equal(t, "def", Env("PN_STR", "def"))

	t.Setenv("PN_INT", "0")
	assert.Equal(t, 7, EnvInt("PN_INT", 7), "EnvInt rejects zero")
	assert.Equal(t, int64(0), EnvInt64("PN_INT", 7))

	t.Setenv("PN_INT", "-3")
	assert.Equal(t, int64(7), EnvInt64("PN_INT", 7))

	t.Setenv("PN_DUR", "1m30s")
	assert.Equal(t, 90*time.Second, EnvDuration("PN_DUR", time.Second))
	t.Setenv("PN_DUR", "soon")
	assert.Equal(t, time.Second, EnvDuration("PN_DUR", time.Second))

	t.Setenv("PN_BOOL", "true")
	assert.True(t, EnvBool("PN_BOOL", false))

	t.Setenv("PN_LIST", " a, ,b,")
	assert.Equal(t, []string{"a", "b"}, EnvList("PN_LIST", nil))
}

func TestDedup(t *testing.T) {
	got := Dedup([]string{"http://a/", "http://a", " http://b ", "", "http://a//"})
	assert.Equal(t, []string{"http://a", "http://b"}, got)
}
