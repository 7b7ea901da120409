package taskqueue

import (
	"fmt"

	"github.com/piwardrive/piwardrive/internal/errs"
)

func errValidation(msg string) error {
	return errs.New(errs.KindValidation, msg)
}

func errQueueFull(name string) error {
	return errs.Newf(errs.KindQueueFull, "queue %s is full", name)
}

func errExpired(id string) error {
	return errs.Newf(errs.KindTaskExpired, "task %s deadline passed", id)
}

func errShutdown() error {
	return errs.New(errs.KindTaskCancelled, "queue is shut down")
}

func errPanic(id string, v any) error {
	return errs.Newf(errs.KindInternal, "task %s panicked: %v", id, fmt.Sprint(v))
}
