package summary

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterRecordsScalars(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	w, err := Open(ctx, dir, "run", "")
	require.NoError(t, err)
	defer w.Close()

	assert.NotEmpty(t, w.RunID())
	assert.FileExists(t, filepath.Join(dir, "run", "scalars.db"))

	require.NoError(t, w.AddScalar(ctx, "mse_loss", 0.5, 100))
	require.NoError(t, w.AddScalar(ctx, "mse_loss", 0.25, 200))
	require.NoError(t, w.AddScalars(ctx, map[string]float64{"l1_loss": 0.1, "adv_loss": -0.2}, 200))

	got, err := w.Scalars(ctx, "mse_loss")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 100, got[0].Step)
	assert.Equal(t, 0.5, got[0].Value)
	assert.Equal(t, 0.25, got[1].Value)

	l1, err := w.Scalars(ctx, "l1_loss")
	require.NoError(t, err)
	require.Len(t, l1, 1)
	assert.Equal(t, 0.1, l1[0].Value)
}

func TestRunsAreSeparated(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a, err := Open(ctx, dir, "run", "a")
	require.NoError(t, err)
	require.NoError(t, a.AddScalar(ctx, "psnr", 30, 1))
	require.NoError(t, a.Close())

	b, err := Open(ctx, dir, "run", "b")
	require.NoError(t, err)
	defer b.Close()
	got, err := b.Scalars(ctx, "psnr")
	require.NoError(t, err)
	assert.Empty(t, got)
}
