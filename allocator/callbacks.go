package allocator

// AllocateRegionCallback is invoked after an allocator acquires a new region of system memory.
type AllocateRegionCallback func(
	allocatorName string,
	size int,
	userData interface{},
)

// FreeRegionCallback is invoked before an allocator drops a region of system memory.
type FreeRegionCallback func(
	allocatorName string,
	size int,
	userData interface{},
)

// MemoryCallbackOptions allows consumers to observe region churn: pool growth, stack buffer
// growth, and Release/Reset region turnover. The callbacks fire synchronously on the goroutine
// driving the allocator.
type MemoryCallbackOptions struct {
	Allocate AllocateRegionCallback
	Free     FreeRegionCallback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
}

func (c *memoryCallbacks) Allocate(allocatorName string, size int) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(allocatorName, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(allocatorName string, size int) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(allocatorName, size, c.Callbacks.UserData)
	}
}
