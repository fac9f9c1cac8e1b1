package vm

// Config groups the VM's tunable limits. The teacher hardcodes its stack
// and locals sizes as literals in vm.New (`make([]interface{}, 1024)`,
// `make([]interface{}, 256)`); Cmel lifts the same idea into named,
// overridable constants since spec.md §9 makes the stack's fixed size part
// of the contract (open upvalues must not be invalidated by reallocation).
type Config struct {
	// FramesMax is the number of call frames the VM can nest, the hard
	// stack-overflow limit per spec.md §7.
	FramesMax int
	// StackPerFrame bounds how many value slots one frame may use; the
	// value stack is pre-allocated to FramesMax*StackPerFrame slots and
	// never grows, so a *value.Value's address is stable for the life of
	// the VM.
	StackPerFrame int
	// InitialGCThreshold is next_gc's starting value (bytes) per spec.md §4.5.
	InitialGCThreshold int
	// GCGrowthFactor multiplies bytesAllocated to compute the next
	// threshold after a collection.
	GCGrowthFactor int
}

// DefaultConfig mirrors the teacher's literal defaults (1024 stack / 256
// locals) scaled to spec.md's frame/stack design: 64 frames of 256 slots
// each.
func DefaultConfig() Config {
	return Config{
		FramesMax:          64,
		StackPerFrame:      256,
		InitialGCThreshold: 1 << 20,
		GCGrowthFactor:     2,
	}
}
