package errprocess

import (
	"errors"
	"fmt"

	"media_transcoder/pkg/logger"
)

// Set set err info
func Set(errMsg string) error {
	logger.Log.Error(errMsg)
	return errors.New(errMsg)
}

// Wrap log errMsg and keep err in the chain, so errors.Is / errors.As still see the cause
func Wrap(err error, errMsg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s : %w", errMsg, err)
	logger.Log.Error(wrapped.Error())
	return wrapped
}
