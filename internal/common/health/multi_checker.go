package health

import (
	"github.com/hashicorp/go-multierror"
)

type MultiChecker struct {
	checkers []Checker
}

func NewMultiChecker(checkers ...Checker) *MultiChecker {
	return &MultiChecker{
		checkers: checkers,
	}
}

// Check runs every checker and returns all their errors together.
func (mc *MultiChecker) Check() error {
	var result *multierror.Error
	for _, checker := range mc.checkers {
		if err := checker.Check(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (mc *MultiChecker) Add(checker Checker) {
	mc.checkers = append(mc.checkers, checker)
}
