package simpledb

import (
	"github.com/marmos91/dittosdb/internal/logger"
	"github.com/spf13/afero"
)

// closeStreamAsync closes f on the I/O executor and then runs callback on
// the control executor. Must be called on the control executor.
//
// The stream is moved into the close task, so the caller gives up all
// access to f. If the I/O executor is already gone the stream is closed
// inline; if the control executor is gone the callback is dropped.
func (s *Service) closeStreamAsync(f afero.File, callback func()) {
	s.pending.Add(1)

	finish := func() {
		if err := s.control.Dispatch(func() {
			defer s.pending.Done()
			callback()
		}); err != nil {
			logger.Warn("Dropping stream close callback", logger.KeyError, err)
			s.pending.Done()
		}
	}

	closeTask := func() {
		if err := f.Close(); err != nil {
			logger.Warn("Failed to close stream", logger.KeyPath, f.Name(), logger.KeyError, err)
		}
		finish()
	}

	if err := s.io.Dispatch(closeTask); err != nil {
		logger.Warn("I/O executor unavailable, closing stream inline", logger.KeyError, err)
		closeTask()
	}
}
