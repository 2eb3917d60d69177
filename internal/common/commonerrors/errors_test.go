package commonerrors

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrNotFound_Error(t *testing.T) {
	err := &ErrNotFound{Type: "record", Value: "abc"}
	assert.Equal(t, `resource "abc" of type "record" does not exist`, err.Error())

	err.Message = "was it deleted?"
	assert.Equal(t, `resource "abc" of type "record" does not exist; was it deleted?`, err.Error())
}

func TestIsNotFound_Wrapped(t *testing.T) {
	err := errors.Wrap(errors.WithStack(&ErrNotFound{Value: "x"}), "loading")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(errors.New("other")))
}

func TestErrInvalidArgument_Error(t *testing.T) {
	err := &ErrInvalidArgument{Name: "memory", Value: "lots"}
	assert.Equal(t, `value "lots" is invalid for field "memory"`, err.Error())
}
