package rts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureMessage(t *testing.T) {
	prog := testProgram()
	assert.Equal(t, "Index [3] out of bounds for array of shape [2].", prog.FailureMessage(0, []int64{3, 2}))
	assert.Equal(t, "Index [3] out of bounds for array of shape [0].", prog.FailureMessage(0, []int64{3}))
	assert.Equal(t, "Assertion failed.", prog.FailureMessage(1, []int64{3, 2}))
	assert.Equal(t, "unknown failure #5", prog.FailureMessage(5, nil))
}

func TestProgramValidate(t *testing.T) {
	require.NoError(t, testProgram().Validate())

	prog := testProgram()
	prog.TuningParams = append(prog.TuningParams, prog.TuningParams[0])
	require.ErrorContains(t, prog.Validate(), "more than once")

	prog = testProgram()
	prog.TuningParams[0].Var = ""
	require.Error(t, prog.Validate())

	prog = testProgram()
	prog.MaxFailureArgs = -1
	require.Error(t, prog.Validate())
}
