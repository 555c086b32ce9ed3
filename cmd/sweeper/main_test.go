package main

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mancanexus/internal/config"
)

func TestRun_RefusesWithoutDatabase(t *testing.T) {
	err := run(config.Config{}, zap.NewNop())
	require.ErrorIs(t, err, config.ErrDatabaseRequired)
}
