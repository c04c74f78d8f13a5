//go:build cgo

package main

// Registers the netlib BLAS backend (Accelerate on macOS, OpenBLAS on Linux)
// when cgo is available; without cgo gonum's pure Go implementation is used.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas64.Use(netlib.Implementation{})
	log.Debug().Msg("CGO/BLAS acceleration enabled (netlib)")
}
