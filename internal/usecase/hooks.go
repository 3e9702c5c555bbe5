package usecase

import (
	"FinAgent/pkg/logger"
)

// Hooks receive user-visible notifications from the trainer.
type Hooks struct {
	OnInfo     func(msg string)
	OnError    func(err error)
	OnProgress func(actual, total int, desc string)
}

// LogHooks routes every notification to the logger.
func LogHooks(log *logger.Logger) Hooks {
	return Hooks{
		OnInfo: func(msg string) { log.Info(msg) },
		OnError: func(err error) {
			log.Error("trainer error", logger.Error(err))
		},
		OnProgress: func(actual, total int, desc string) {
			log.Info("progress", logger.Int("actual", actual), logger.Int("total", total), logger.String("step", desc))
		},
	}
}

func (h Hooks) info(msg string) {
	if h.OnInfo != nil {
		h.OnInfo(msg)
	}
}

func (h Hooks) error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h Hooks) progress(actual, total int, desc string) {
	if h.OnProgress != nil {
		h.OnProgress(actual, total, desc)
	}
}
