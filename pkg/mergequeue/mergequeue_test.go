package mergequeue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_EnqueueDequeueFIFO(t *testing.T) {
	q := New()
	q.Enqueue(Entry{TaskID: "T1"})
	q.Enqueue(Entry{TaskID: "T2"})

	e, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "T1", e.TaskID)

	e, ok = q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "T2", e.TaskID)

	_, ok = q.Dequeue()
	assert.False(t, ok)
}

func TestQueue_EnqueueIsNoOpIfAlreadyPresent(t *testing.T) {
	q := New()
	q.Enqueue(Entry{TaskID: "T1", ReplicaDir: "/a"})
	q.Enqueue(Entry{TaskID: "T1", ReplicaDir: "/b"})

	assert.Equal(t, 1, q.Size())
	e, _ := q.Peek()
	assert.Equal(t, "/a", e.ReplicaDir)
}

func TestQueue_Peek_DoesNotRemove(t *testing.T) {
	q := New()
	q.Enqueue(Entry{TaskID: "T1"})
	_, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, 1, q.Size())
}

func TestQueue_Remove_FromMiddle(t *testing.T) {
	q := New()
	q.Enqueue(Entry{TaskID: "T1"})
	q.Enqueue(Entry{TaskID: "T2"})
	q.Enqueue(Entry{TaskID: "T3"})

	q.Remove("T2")
	assert.False(t, q.HasTask("T2"))
	assert.Equal(t, 2, q.Size())

	e, _ := q.Dequeue()
	assert.Equal(t, "T1", e.TaskID)
	e, _ = q.Dequeue()
	assert.Equal(t, "T3", e.TaskID)
}

func TestQueue_HasTask(t *testing.T) {
	q := New()
	assert.False(t, q.HasTask("T1"))
	q.Enqueue(Entry{TaskID: "T1"})
	assert.True(t, q.HasTask("T1"))
}
