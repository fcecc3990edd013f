package model

import "github.com/rotisserie/eris"

// Sentinel errors shared across the pipeline. Match with errors.Is; eris
// wraps preserve the chain.
var (
	ErrNotFound   = eris.New("not found")
	ErrConflict   = eris.New("conflict")
	ErrValidation = eris.New("validation failed")
	ErrCancelled  = eris.New("cancelled")
)
