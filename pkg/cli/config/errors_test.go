package config_test

import (
	"errors"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/onboarder/pkg/cli/config"
)

func TestConfigErrors_SentinelIdentification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		sentinelError error
		wantMatch     bool
	}{
		{
			name:          "ErrConfigNotFound can be identified",
			err:           goerr.Wrap(config.ErrConfigNotFound, "failed to load config"),
			sentinelError: config.ErrConfigNotFound,
			wantMatch:     true,
		},
		{
			name:          "ErrInvalidConfig can be identified",
			err:           goerr.Wrap(config.ErrInvalidConfig, "validation failed"),
			sentinelError: config.ErrInvalidConfig,
			wantMatch:     true,
		},
		{
			name:          "ErrMissingValue can be identified",
			err:           goerr.Wrap(config.ErrMissingValue, "project is empty"),
			sentinelError: config.ErrMissingValue,
			wantMatch:     true,
		},
		{
			name:          "Different sentinel errors do not match",
			err:           goerr.Wrap(config.ErrConfigNotFound, "failed to load config"),
			sentinelError: config.ErrInvalidConfig,
			wantMatch:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched := errors.Is(tt.err, tt.sentinelError)
			gt.Value(t, matched).Equal(tt.wantMatch)
		})
	}
}

func TestConfigErrors_ContextValues(t *testing.T) {
	path := writeTuning(t, "[retriever]\ntop_k = 0\n")
	_, err := config.LoadTuning(path)
	gt.Error(t, err).Is(config.ErrInvalidConfig)

	values := goerr.Unwrap(err).Values()
	gt.Value(t, values[config.ConfigPathKey]).Equal(any(path))
	gt.Value(t, values[config.SectionKey]).Equal(any("retriever"))
	gt.Value(t, values[config.FieldKey]).Equal(any("top_k"))
}
