// Package distributed exposes the rank/world-size context of a data-parallel
// run. The stopping logic itself is rank-agnostic; only logging cares about
// which replica is speaking.
package distributed

import (
	"fmt"
	"os"
	"strconv"
)

// Context identifies this process within a distributed run.
// The zero value (rank 0 of a world that defaults to size 1) is a valid
// single-process context.
type Context struct {
	GlobalRank int
	WorldSize  int
}

// Single returns the context of a non-distributed run.
func Single() Context {
	return Context{GlobalRank: 0, WorldSize: 1}
}

// FromEnv reads RANK and WORLD_SIZE, falling back to a single-process
// context when they are unset or malformed.
func FromEnv() Context {
	ctx := Single()
	if v, err := strconv.Atoi(os.Getenv("RANK")); err == nil && v >= 0 {
		ctx.GlobalRank = v
	}
	if v, err := strconv.Atoi(os.Getenv("WORLD_SIZE")); err == nil && v >= 1 {
		ctx.WorldSize = v
	}
	return ctx
}

// ShouldLog decides whether this rank emits an informational message.
// With rankZeroOnly set, only rank 0 speaks; otherwise every rank does.
func ShouldLog(rank, worldSize int, rankZeroOnly bool) bool {
	if rankZeroOnly && rank != 0 {
		return false
	}
	return true
}

// FormatMessage prefixes msg with the speaking rank when more than one rank
// is active. Single-process runs log the bare message.
func FormatMessage(rank, worldSize int, msg string) string {
	if worldSize <= 1 {
		return msg
	}
	return fmt.Sprintf("[rank: %d] %s", rank, msg)
}
