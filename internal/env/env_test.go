package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeOrderAndExpansion(t *testing.T) {
	e := New()
	e.FromList([]string{"HOME=/root", "PATH=/bin", "_SPAWNTRACE_RESUME=SIGUSR1"})
	e.Drop("_SPAWNTRACE_")
	e.Set("TRACE_HOME", "${HOME}/trace")

	out := e.Merge([]string{"PATH=/usr/bin", "malformed", "=novalue"})
	assert.Equal(t, []string{
		"HOME=/root",
		"PATH=/usr/bin",
		"TRACE_HOME=/root/trace",
	}, out)
}

func TestInheritedValuesAreVerbatim(t *testing.T) {
	e := New()
	e.FromList([]string{"HOME=/root", "LITERAL=${HOME}/x"})
	e.Set("CONF", "${LITERAL}")
	assert.Equal(t, []string{
		"CONF=${HOME}/x",
		"HOME=/root",
		"LITERAL=${HOME}/x",
	}, e.Merge(nil))
}

func TestExpansionIsSinglePass(t *testing.T) {
	for i := 0; i < 20; i++ {
		e := New()
		e.FromList(nil)
		e.Set("A", "a")
		e.Set("B", "${A}-b")
		e.Set("C", "${B}-c")
		e.Set("D", "${MISSING}:${}:${A")
		assert.Equal(t, []string{
			"A=a",
			"B=a-b",
			"C=${A}-b-c",
			"D=${MISSING}:${}:${A",
		}, e.Merge(nil))
	}
}

func TestSelfReferenceExtendsBase(t *testing.T) {
	e := New()
	e.FromList([]string{"PATH=/bin"})
	e.Set("PATH", "/opt/bin:${PATH}")
	assert.Equal(t, []string{"PATH=/opt/bin:/bin"}, e.Merge(nil))
	assert.Equal(t, []string{"PATH=/usr/bin"}, e.Merge([]string{"PATH=/usr/bin"}))
}

func TestMergeDefaultsToOSEnv(t *testing.T) {
	t.Setenv("SPAWNTRACE_ENV_TEST", "x")
	out := New().Merge(nil)
	assert.Contains(t, out, "SPAWNTRACE_ENV_TEST=x")
}
