package wasmtest

// Layout shared by the canned modules.
const (
	// OutputOffset holds a module's canned response.
	OutputOffset = 256
	// ArgOffset holds a host-call argument.
	ArgOffset = 512
	// AllocOffset is the fixed address alloc hands out.
	AllocOffset = 1024
)

var (
	callParams  = []ValType{I32, I32}
	callResults = []ValType{I32, I32}
)

func withAlloc(b *Builder) *Builder {
	b.Func("alloc", []ValType{I32}, []ValType{I32}, Const(AllocOffset)...)
	return b
}

// Responder exports each named function returning output unchanged.
func Responder(output string, exports ...string) []byte {
	b := New().Memory(1).Data(OutputOffset, []byte(output))
	withAlloc(b)
	for _, export := range exports {
		b.Func(export, callParams, callResults, Seq(Const(OutputOffset), Const(int32(len(output))))...)
	}
	return b.Build()
}

// Looper exports a function that never returns.
func Looper(export string) []byte {
	b := New().Memory(1)
	withAlloc(b)
	b.Func(export, callParams, callResults,
		OpLoop, BlockEmpty, OpBr, 0x00, OpEnd, OpUnreachable)
	return b.Build()
}

// MemoryHog exports a function that grows memory until refused, then traps.
func MemoryHog(export string) []byte {
	b := New().Memory(1)
	withAlloc(b)
	body := Seq(
		[]byte{OpBlock, BlockEmpty, OpLoop, BlockEmpty},
		Const(1),
		[]byte{OpMemoryGrow, 0x00},
		Const(-1),
		[]byte{OpI32Eq, OpBrIf, 0x01, OpBr, 0x00, OpEnd, OpEnd, OpUnreachable},
	)
	b.Func(export, callParams, callResults, body...)
	return b.Build()
}

// Trapper exports a function that traps immediately.
func Trapper(export string) []byte {
	b := New().Memory(1)
	withAlloc(b)
	b.Func(export, callParams, callResults, OpUnreachable)
	return b.Build()
}

// BigMemory declares a memory minimum of pages.
func BigMemory(pages uint32, export string) []byte {
	b := New().Memory(pages)
	withAlloc(b)
	b.Func(export, callParams, callResults, OpUnreachable)
	return b.Build()
}

// HostCaller exports a function that passes arg to the plughost host
// function and returns the host's packed reply as its own output.
func HostCaller(hostFunc, arg, export string) []byte {
	b := New().Memory(1).Data(ArgOffset, []byte(arg))
	fn := b.Import("plughost", hostFunc, []ValType{I32, I32}, []ValType{I64})
	withAlloc(b)
	b.Func(export, callParams, []ValType{I64},
		Seq(Const(ArgOffset), Const(int32(len(arg))), CallFunc(fn))...)
	return b.Build()
}

// Logger exports a function that logs msg at level then returns output.
func Logger(level int32, msg, output, export string) []byte {
	b := New().Memory(1).Data(ArgOffset, []byte(msg)).Data(OutputOffset, []byte(output))
	fn := b.Import("plughost", "log", []ValType{I32, I32, I32}, nil)
	withAlloc(b)
	b.Func(export, callParams, callResults,
		Seq(Const(level), Const(ArgOffset), Const(int32(len(msg))), CallFunc(fn),
			Const(OutputOffset), Const(int32(len(output))))...)
	return b.Build()
}

// ForeignImport imports a function from a module other than plughost.
func ForeignImport(module, export string) []byte {
	b := New().Memory(1)
	b.Import(module, "anything", nil, nil)
	withAlloc(b)
	b.Func(export, callParams, callResults, OpUnreachable)
	return b.Build()
}
