package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodeOnce(t *testing.T) {
	c := New("root", DefaultVariables())
	c.SetErrorCodeOnce("TIMEOUT")
	c.SetErrorCodeOnce("INTERNAL_ERROR")
	assert.Equal(t, "TIMEOUT", c.ErrorCode())
}

func TestVariablesCopy(t *testing.T) {
	c := New("root", DefaultVariables())
	v := c.Variables()
	v.EnableProfile = true
	assert.False(t, c.IsProfileEnabled())

	c.SetVariables(v)
	assert.True(t, c.IsProfileEnabled())
	assert.Equal(t, 300, c.Variables().QueryTimeoutS)
}
