// Package factory builds the provider variant selected by configuration.
package factory

import (
	"fmt"
	"log/slog"

	"github.com/loykin/spawntrace/internal/config"
	"github.com/loykin/spawntrace/internal/provider"
	"github.com/loykin/spawntrace/internal/provider/bpf"
	"github.com/loykin/spawntrace/internal/provider/sysdig"
)

// KindFor maps the --sysdig switch onto a provider kind.
func KindFor(useSysdig bool) provider.Kind {
	if useSysdig {
		return provider.KindSysdig
	}
	return provider.KindBPF
}

// New constructs exactly one provider of the given kind.
func New(kind provider.Kind, cfg config.Config, log *slog.Logger) (provider.Provider, error) {
	switch kind {
	case provider.KindBPF:
		return bpf.New(bpf.Config{
			ObjectPath:   cfg.BPF.ObjectPath,
			FollowForks:  cfg.BPF.FollowForks,
			DrainTimeout: cfg.BPF.DrainTimeout,
			EventBuffer:  cfg.BPF.EventBuffer,
		}, log), nil
	case provider.KindSysdig:
		return sysdig.New(sysdig.Config{
			Binary:      cfg.Sysdig.Binary,
			Snaplen:     cfg.Sysdig.Snaplen,
			ArmTimeout:  cfg.Sysdig.ArmTimeout,
			StopGrace:   cfg.Sysdig.StopGrace,
			ExtraArgs:   cfg.Sysdig.ExtraArgs,
			EventBuffer: cfg.Sysdig.EventBuffer,
			FollowForks: cfg.Sysdig.FollowForks,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", kind)
	}
}
