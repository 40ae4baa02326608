package tracker

import (
	"errors"
	"fmt"
)

// ErrGenesisMismatch is returned when the node is not on the configured chain.
var ErrGenesisMismatch = errors.New("genesis hash mismatch")

// Stages of a run, as reported by StageError.
const (
	StageAccounts = "accounts"
	StageChain    = "chain"
	StageCache    = "cache"
	StageHistory  = "history"
	StageResolve  = "resolve"
	StageFetch    = "fetch"
	StageRewards  = "rewards"
	StageWrite    = "write"
)

// StageError is a fatal error together with the stage of the run it stopped.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// FileIOError is a failure to persist an output file.
type FileIOError struct {
	Path string
	Err  error
}

func (e *FileIOError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *FileIOError) Unwrap() error { return e.Err }

func stageErr(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}
