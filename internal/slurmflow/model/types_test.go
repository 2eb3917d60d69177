package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeepCopy(t *testing.T) {
	ended := time.Now()
	r := &OrchestratedJobRecord{Name: "a", Ended: &ended, InputFileHashes: []string{"x"}}
	c := r.DeepCopy()

	c.InputFileHashes[0] = "y"
	*c.Ended = ended.Add(time.Hour)

	assert.Equal(t, "x", r.InputFileHashes[0])
	assert.Equal(t, ended, *r.Ended)
	assert.Nil(t, (*OrchestratedJobRecord)(nil).DeepCopy())
}

func TestEndedOrChecked(t *testing.T) {
	checked := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := &OrchestratedJobRecord{StateCheckedAt: checked}
	assert.Equal(t, checked, r.EndedOrChecked())

	ended := checked.Add(-time.Minute)
	r.Ended = &ended
	assert.Equal(t, ended, r.EndedOrChecked())
}
