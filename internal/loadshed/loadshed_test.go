package loadshed_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ckoons/Tekton-sub009/internal/loadshed"
)

func TestGateAdmitsBeforeFirstSample(t *testing.T) {
	g := loadshed.New(85.0, time.Hour, zerolog.Nop())
	require.True(t, g.Admit())
}

func TestGateSamplesAndSnapshots(t *testing.T) {
	g := loadshed.New(85.0, 10*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)
	defer g.Stop()

	cutoff := time.Now().Add(-time.Second)
	require.Eventually(t, func() bool {
		return g.Snapshot().SampledAt.After(cutoff)
	}, time.Second, 5*time.Millisecond)

	snap := g.Snapshot()
	require.GreaterOrEqual(t, snap.CPUPercent, 0.0)
	require.GreaterOrEqual(t, snap.MemPercent, 0.0)
}
