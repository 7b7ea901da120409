package scheduler

import "github.com/piwardrive/piwardrive/internal/errs"

func errSpec(name string) error {
	if name == "" {
		return errs.New(errs.KindValidation, "job requires a name")
	}
	return errs.Newf(errs.KindValidation, "job %s requires a run function and a positive interval", name)
}

func errStopped() error {
	return errs.New(errs.KindValidation, "scheduler is stopped")
}
