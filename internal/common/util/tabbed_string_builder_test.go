package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTabbedStringBuilder(t *testing.T) {
	w := NewTabbedStringBuilder(1, 1, 1, ' ', 0)
	w.Writef("name\tstatus\n")
	w.Writef("job-1\tCOMPLETED\n")
	assert.Equal(t, "name  status\njob-1 COMPLETED\n", w.String())
}
