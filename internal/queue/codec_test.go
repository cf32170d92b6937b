package queue_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflow-core/taskflow/internal/queue"
	"github.com/taskflow-core/taskflow/internal/task"
)

func TestCodecRejectsUnregisteredType(t *testing.T) {
	encoder := queue.NewCodec()
	encoder.RegisterType(&sampleTask{}, func() task.Task { return &sampleTask{} })
	in := &sampleTask{Value: "payload"}
	in.SetTaskID(uuid.New())
	data, err := encoder.Encode(in)
	require.NoError(t, err)

	// A fresh codec that never learned sampleTask cannot decode it.
	decoder := queue.NewCodec()
	_, err = decoder.Decode(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no task type registered")
}

func TestCodecKnowsTerminateSentinel(t *testing.T) {
	codec := queue.NewCodec()

	in := &task.TerminateDispatcherLoop{}
	in.SetTaskID(uuid.New())
	data, err := codec.Encode(in)
	require.NoError(t, err)

	out, err := codec.Decode(data)
	require.NoError(t, err)
	_, ok := out.(*task.TerminateDispatcherLoop)
	assert.True(t, ok)
}
