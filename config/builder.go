package config

import (
	"fmt"

	"github.com/jpalmerr/pingstream"
	"github.com/jpalmerr/pingstream/internal/registry"
)

// BuildOptions converts parsed configuration into Monitor options.
//
// The store and logger are not built here since both need resources the
// caller owns; pass them with [pingstream.WithStore] and
// [pingstream.WithLogger].
func BuildOptions(cfg *Config) ([]pingstream.Option, error) {
	policy, err := Policy(cfg)
	if err != nil {
		return nil, err
	}

	opts := []pingstream.Option{
		pingstream.WithTitle(cfg.Title),
		pingstream.WithInterval(cfg.CheckInterval.Duration()),
		pingstream.WithDuplicatePolicy(policy),
		pingstream.WithReplay(cfg.Replay),
	}
	if cfg.Listen != "" {
		opts = append(opts, pingstream.WithListen(cfg.Listen))
	}
	if cfg.CheckTimeout != 0 {
		opts = append(opts, pingstream.WithTimeout(cfg.CheckTimeout.Duration()))
	}
	if cfg.HistorySize > 0 {
		opts = append(opts, pingstream.WithHistorySize(cfg.HistorySize))
	}
	if cfg.SubscriberBuffer > 0 {
		opts = append(opts, pingstream.WithSubscriberBuffer(cfg.SubscriberBuffer))
	}
	if len(cfg.Targets) > 0 {
		opts = append(opts, pingstream.WithTargets(cfg.Targets...))
	}
	return opts, nil
}

// Policy returns the duplicate policy named by cfg.Duplicates.
func Policy(cfg *Config) (pingstream.DuplicatePolicy, error) {
	p, err := registry.ParseDuplicatePolicy(cfg.Duplicates)
	if err != nil {
		return p, fmt.Errorf("duplicates: %w", err)
	}
	return p, nil
}
