package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/taskflow-core/taskflow/internal/task"
)

// envelope is the wire format pushed onto a durable backend: a
// base64-armored payload alongside the task id and a type tag used to
// reconstruct the concrete Go type on the consuming side. Redis list
// entries and Kafka messages are already length-delimited by their
// own transport framing, so no extra length prefix is added here.
type envelope struct {
	TaskID  uuid.UUID `json:"task_id"`
	Type    string    `json:"type"`
	Payload string    `json:"payload"`
}

// Codec encodes and decodes tasks for durable backends. Concrete task
// types must be registered under a stable name before they can be
// decoded — the durable-queue counterpart of the dispatcher's explicit
// RegisterFor handler registration.
type Codec struct {
	mu    sync.RWMutex
	types map[string]func() task.Task
}

// NewCodec creates an empty codec. TerminateDispatcherLoop is
// pre-registered since every dispatcher needs to be able to shut down
// over a durable queue too.
func NewCodec() *Codec {
	c := &Codec{types: make(map[string]func() task.Task)}
	c.Register("TerminateDispatcherLoop", func() task.Task { return &task.TerminateDispatcherLoop{} })
	return c
}

// Register associates a type name with a factory producing a zero
// value of the concrete task type, so Decode can unmarshal into it.
func (c *Codec) Register(name string, factory func() task.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[name] = factory
}

// RegisterType is Register using the same name-derivation Encode
// applies to the sample value's concrete type.
func (c *Codec) RegisterType(sample task.Task, factory func() task.Task) {
	c.Register(typeName(sample), factory)
}

// typeName derives a stable tag from the task's concrete Go type.
func typeName(t task.Task) string {
	rt := reflect.TypeOf(t)
	for rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}
	return rt.Name()
}

// Encode marshals a task into its wire envelope.
func (c *Codec) Encode(t task.Task) ([]byte, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal task payload: %w", err)
	}

	env := envelope{
		TaskID:  t.TaskID(),
		Type:    typeName(t),
		Payload: base64.StdEncoding.EncodeToString(payload),
	}
	return json.Marshal(env)
}

// Decode reconstructs a task from its wire envelope.
func (c *Codec) Decode(data []byte) (task.Task, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("queue: unmarshal envelope: %w", err)
	}

	c.mu.RLock()
	factory, ok := c.types[env.Type]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("queue: no task type registered for %q", env.Type)
	}

	payload, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("queue: decode payload: %w", err)
	}

	t := factory()
	if err := json.Unmarshal(payload, t); err != nil {
		return nil, fmt.Errorf("queue: unmarshal task payload: %w", err)
	}
	t.SetTaskID(env.TaskID)
	return t, nil
}
