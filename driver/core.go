// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package driver

// GPU is the main interface to an underlying driver
// implementation.
// It is used to create buffers and to execute copy
// command buffers. A GPU is obtained from a call to
// Driver.Open.
type GPU interface {
	// Driver returns the Driver that owns the GPU.
	Driver() Driver

	// Commit commits a batch of command buffers to the GPU
	// for execution.
	// This method sends the result to ch when all commands
	// complete execution. Command buffers in cb cannot be
	// used for recording until then.
	Commit(cb []CmdBuffer, ch chan<- error)

	// NewCmdBuffer creates a new command buffer.
	NewCmdBuffer() (CmdBuffer, error)

	// NewBuffer creates a new buffer.
	NewBuffer(size int64, visible bool, usg Usage) (Buffer, error)

	// Limits returns the implementation limits.
	// They are immutable for the lifetime of the GPU.
	Limits() Limits
}

// Destroyer is the interface that wraps the Destroy method.
// Types that implement this interface may allocate external
// memory that is not managed by GC, so Destroy must be
// called explicitly to ensure such memory is deallocated.
type Destroyer interface {
	Destroy()
}

// CmdBuffer is the interface that defines a command buffer
// restricted to data-transfer (copy) commands, which is
// all that a buffer-coherency core ever needs to record.
//
// Usage:
//
//	1. call Begin
//	2. call BeginBlit
//	3. call Copy*/Fill commands
//	4. call EndBlit
//	5. repeat 2-4 as needed
//	6. call End and, if it succeeds, GPU.Commit
type CmdBuffer interface {
	Destroyer

	// Begin prepares the command buffer for recording.
	// It needs to be called again if the command buffer is
	// executed or reset.
	Begin() error

	// IsRecording reports whether the command buffer is
	// currently between a Begin and an End call.
	IsRecording() bool

	// BeginBlit begins data transfer.
	// Copy/fill commands may run in parallel.
	BeginBlit()

	// EndBlit ends the current data transfer.
	EndBlit()

	// CopyBuffer copies data between buffers.
	// It must only be called during data transfer.
	CopyBuffer(param *BufferCopy)

	// Fill fills a buffer range with copies of
	// a byte value.
	// It must only be called during data transfer.
	// off and size must be aligned to 4 bytes.
	Fill(buf Buffer, off int64, value byte, size int64)

	// Barrier inserts a number of global barriers
	// in the command buffer.
	Barrier(b []Barrier)

	// End ends command recording and prepares the
	// command buffer for execution.
	// New recordings are not allowed until the
	// command buffer is executed or reset.
	// Upon failure, the command buffer is reset.
	End() error

	// Reset discards all recorded commands from the
	// command buffer.
	Reset() error
}

// BufferCopy describes the parameters of a copy command
// that copies data from one buffer to another.
type BufferCopy struct {
	From    Buffer
	FromOff int64
	To      Buffer
	ToOff   int64
	Size    int64
}

// Sync is the type of a synchronization scope.
type Sync int

// Synchronization scopes.
const (
	SCopy Sync = 1 << iota
	SAll
	SNone Sync = 0
)

// Access is the type of a memory access scope.
type Access int

// Memory access scopes.
const (
	ACopyRead Access = 1 << iota
	ACopyWrite
	ANone Access = 0
)

// Barrier represents a synchronization barrier.
type Barrier struct {
	SyncBefore   Sync
	SyncAfter    Sync
	AccessBefore Access
	AccessAfter  Access
}

// Usage is a mask indicating valid uses for a buffer.
type Usage int

// Usage flags for Buffer.
const (
	// The buffer can be the source of a copy command.
	UCopySrc Usage = 1 << iota
	// The buffer can be the destination of a copy command.
	UCopyDst
	// The buffer can provide vertex data for draw calls.
	UVertexData
	// The buffer can provide index data for draw calls.
	UIndexData
	// The buffer can be used for any purpose.
	UGeneric Usage = 1<<iota - 1
)

// Buffer is the interface that defines a GPU buffer.
// The size of the buffer is fixed. When a larger buffer
// is necessary, a new one must be created and the data
// must be copied explicitly.
type Buffer interface {
	Destroyer

	// Visible returns whether the buffer is host visible.
	// Non-visible memory cannot be accessed by the CPU.
	Visible() bool

	// Bytes returns a slice of length Cap referring to the
	// underlying data. If the buffer is not host visible,
	// it returns nil instead.
	// The slice is valid for the lifetime of the buffer.
	Bytes() []byte

	// Cap returns the capacity of the buffer in bytes,
	// which may be greater than the size requested during
	// buffer creation.
	// This value is immutable.
	Cap() int64
}

// Limits describes implementation limits relevant to
// buffer allocation.
type Limits struct {
	// MaxBufferSize is the maximum size, in bytes, of a
	// single buffer allocation.
	MaxBufferSize int64
	// MinBufferAlign is the minimum alignment, in bytes,
	// that buffer offsets must satisfy for copy commands.
	MinBufferAlign int64
}
