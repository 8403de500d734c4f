// Package distributed runs data-parallel training across processes: a
// launcher-style environment, a TCP process group with rank 0 as the hub, and
// a model wrapper that averages gradients after every backward pass.
package distributed

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Env is the launcher contract: RANK, WORLD_SIZE, LOCAL_RANK, MASTER_ADDR
// and MASTER_PORT.
type Env struct {
	Rank       int
	WorldSize  int
	LocalRank  int
	MasterAddr string
	MasterPort string
}

// Addr is the rendezvous address.
func (e Env) Addr() string {
	return net.JoinHostPort(e.MasterAddr, e.MasterPort)
}

// EnvFromOS reads the launcher variables. RANK is required; WORLD_SIZE
// defaults to 1, MASTER_ADDR to 127.0.0.1 and MASTER_PORT to 29500.
func EnvFromOS() (Env, error) {
	e := Env{WorldSize: 1, MasterAddr: "127.0.0.1", MasterPort: "29500"}
	rank, ok := os.LookupEnv("RANK")
	if !ok {
		return e, fmt.Errorf("RANK is not set; launch with one process per rank")
	}
	var err error
	if e.Rank, err = strconv.Atoi(rank); err != nil {
		return e, fmt.Errorf("RANK: %w", err)
	}
	if v := os.Getenv("WORLD_SIZE"); v != "" {
		if e.WorldSize, err = strconv.Atoi(v); err != nil {
			return e, fmt.Errorf("WORLD_SIZE: %w", err)
		}
	}
	if v := os.Getenv("LOCAL_RANK"); v != "" {
		if e.LocalRank, err = strconv.Atoi(v); err != nil {
			return e, fmt.Errorf("LOCAL_RANK: %w", err)
		}
	}
	if v := os.Getenv("MASTER_ADDR"); v != "" {
		e.MasterAddr = v
	}
	if v := os.Getenv("MASTER_PORT"); v != "" {
		e.MasterPort = v
	}
	if e.WorldSize < 1 || e.Rank < 0 || e.Rank >= e.WorldSize {
		return e, fmt.Errorf("rank %d out of range for world size %d", e.Rank, e.WorldSize)
	}
	return e, nil
}
