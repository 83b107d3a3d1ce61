package factory

import (
	"testing"

	"github.com/loykin/spawntrace/internal/config"
	"github.com/loykin/spawntrace/internal/logger"
	"github.com/loykin/spawntrace/internal/provider"
	"github.com/loykin/spawntrace/internal/provider/bpf"
	"github.com/loykin/spawntrace/internal/provider/sysdig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExactlyOneVariantPerSwitch(t *testing.T) {
	cfg := config.Default()
	for _, useSysdig := range []bool{false, true} {
		kind := KindFor(useSysdig)
		p, err := New(kind, cfg, logger.Discard())
		require.NoError(t, err)
		assert.Equal(t, kind, p.Kind())
		assert.Equal(t, string(kind), p.Name())
		assert.Equal(t, provider.StateIdle, p.State())

		_, isBPF := p.(*bpf.Provider)
		_, isSysdig := p.(*sysdig.Provider)
		assert.Equal(t, !useSysdig, isBPF)
		assert.Equal(t, useSysdig, isSysdig)
		assert.NoError(t, p.Close())
	}
}

func TestDefaultIsBPF(t *testing.T) {
	assert.Equal(t, provider.KindBPF, KindFor(false))
}

func TestUnknownKind(t *testing.T) {
	_, err := New("ptrace", config.Default(), logger.Discard())
	assert.Error(t, err)
}
