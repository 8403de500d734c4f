package distributed

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-denoise/layers"
	"github.com/tsawler/go-denoise/tensorutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return strconv.Itoa(port)
}

// startGroups brings up world ranks in one process.
func startGroups(t *testing.T, ctx context.Context, world int) []ProcessGroup {
	t.Helper()
	port := freePort(t)
	groups := make([]ProcessGroup, world)
	var eg errgroup.Group
	for r := 0; r < world; r++ {
		eg.Go(func() error {
			g, err := Init(ctx, Env{Rank: r, WorldSize: world, MasterAddr: "127.0.0.1", MasterPort: port}, nil)
			groups[r] = g
			return err
		})
	}
	require.NoError(t, eg.Wait())
	t.Cleanup(func() {
		for _, g := range groups {
			g.Close()
		}
	})
	return groups
}

func TestEnvFromOS(t *testing.T) {
	t.Setenv("RANK", "2")
	t.Setenv("WORLD_SIZE", "4")
	t.Setenv("LOCAL_RANK", "0")
	t.Setenv("MASTER_ADDR", "10.0.0.1")
	t.Setenv("MASTER_PORT", "1234")

	env, err := EnvFromOS()
	require.NoError(t, err)
	assert.Equal(t, 2, env.Rank)
	assert.Equal(t, 4, env.WorldSize)
	assert.Equal(t, "10.0.0.1:1234", env.Addr())

	t.Setenv("RANK", "4")
	_, err = EnvFromOS()
	assert.Error(t, err)

	t.Setenv("RANK", "x")
	_, err = EnvFromOS()
	assert.Error(t, err)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	in := frame{op: opAllReduce, seq: 42, rank: 3, payload: []float32{1.5, -2, 0}}
	require.NoError(t, writeFrame(w, in))
	require.NoError(t, writeFrame(w, frame{op: opBarrier, seq: 43, rank: 3}))

	r := bufio.NewReader(&buf)
	got, err := readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, in, got)

	got, err = readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, opBarrier, got.op)
	assert.Empty(t, got.payload)
}

func TestLocalGroup(t *testing.T) {
	g, err := Init(context.Background(), Env{WorldSize: 1}, nil)
	require.NoError(t, err)
	data := []float32{1, 2}
	require.NoError(t, g.AllReduceMean(context.Background(), data))
	assert.Equal(t, []float32{1, 2}, data)
	assert.Equal(t, 1, g.WorldSize())
}

func TestCollectives(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	const world = 3
	groups := startGroups(t, ctx, world)

	results := make([][]float32, world)
	var eg errgroup.Group
	for r, g := range groups {
		eg.Go(func() error {
			data := []float32{float32(r), float32(10 * r)}
			if err := g.AllReduceMean(ctx, data); err != nil {
				return err
			}
			b := []float32{float32(r + 100)}
			if err := g.Broadcast(ctx, b); err != nil {
				return err
			}
			if err := g.Barrier(ctx); err != nil {
				return err
			}
			results[r] = append(data, b...)
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	for r := 0; r < world; r++ {
		assert.Equal(t, []float32{1, 10, 100}, results[r], "rank %d", r)
		assert.Equal(t, r, groups[r].Rank())
	}
}

func TestRendezvousTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := Init(ctx, Env{Rank: 1, WorldSize: 2, MasterAddr: "127.0.0.1", MasterPort: freePort(t)}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func buildNet(t *testing.T, seed int64) *layers.Model {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	root := layers.NewSequential("body",
		layers.NewConv2D("body.0", 1, 2, 3, rng, 1),
		layers.NewReLU("body.1"),
		layers.NewConv2D("body.2", 2, 1, 3, rng, 1),
	)
	return layers.NewModel("net", 1, 1, root)
}

func TestDistributedModel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	const world = 2
	groups := startGroups(t, ctx, world)

	models := make([]*DistributedModel, world)
	var eg errgroup.Group
	for r, g := range groups {
		eg.Go(func() error {
			// different seeds: the broadcast must make the replicas agree
			m, err := NewDistributedModel(ctx, buildNet(t, int64(r+1)), g)
			if err != nil {
				return err
			}
			models[r] = m
			x := tensorutil.New([]int{1, 1, 4, 4}, make([]float32, 16))
			for i := range tensorutil.Float32s(x) {
				tensorutil.Float32s(x)[i] = float32(i*(r+1)) / 16
			}
			out, err := m.Forward(x)
			if err != nil {
				return err
			}
			m.ZeroGrad()
			return m.Backward(tensorutil.Clone(out))
		})
	}
	require.NoError(t, eg.Wait())

	p0, p1 := models[0].Parameters(), models[1].Parameters()
	require.Len(t, p1, len(p0))
	for i := range p0 {
		assert.Equal(t, tensorutil.Float32s(p0[i].Value), tensorutil.Float32s(p1[i].Value), "value %s", p0[i].Name)
		assert.Equal(t, tensorutil.Float32s(p0[i].Grad), tensorutil.Float32s(p1[i].Grad), "grad %s", p0[i].Name)
	}

	sd := models[0].StateDict()
	for _, k := range sd.Keys() {
		assert.Contains(t, k, ModulePrefix)
	}
	require.NoError(t, models[1].LoadStateDict(sd, true))
	require.NoError(t, models[1].LoadStateDict(models[0].Unwrap().StateDict(), true))
	assert.Same(t, models[0].Unwrap(), Unwrap(models[0]))
}
