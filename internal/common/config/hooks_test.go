package config

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"
)

func TestQuantityDecodeHook(t *testing.T) {
	hook := QuantityDecodeHook()

	out, err := hook(reflect.TypeOf(""), reflect.TypeOf(resource.Quantity{}), "2Gi")
	require.NoError(t, err)
	q, ok := out.(resource.Quantity)
	require.True(t, ok)
	assert.Equal(t, int64(2*1024*1024*1024), q.Value())

	out, err = hook(reflect.TypeOf(""), reflect.TypeOf(""), "2Gi")
	require.NoError(t, err)
	assert.Equal(t, "2Gi", out)
}

func TestQuantityDecodeHook_Invalid(t *testing.T) {
	_, err := QuantityDecodeHook()(reflect.TypeOf(""), reflect.TypeOf(resource.Quantity{}), "lots")
	assert.Error(t, err)
}
