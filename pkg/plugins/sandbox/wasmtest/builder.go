// Package wasmtest assembles small WASM binaries for sandbox tests.
package wasmtest

// ValType is a WASM value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
)

// Opcodes used by the canned modules.
const (
	OpUnreachable = 0x00
	OpBlock       = 0x02
	OpLoop        = 0x03
	OpEnd         = 0x0b
	OpBr          = 0x0c
	OpBrIf        = 0x0d
	OpCall        = 0x10
	OpDrop        = 0x1a
	OpLocalGet    = 0x20
	OpI32Const    = 0x41
	OpI64Const    = 0x42
	OpMemoryGrow  = 0x40
	OpI32Eq       = 0x46
	BlockEmpty    = 0x40
)

type funcType struct {
	params, results []ValType
}

type importFunc struct {
	module, name string
	typ          funcType
}

type function struct {
	export string
	typ    funcType
	body   []byte
}

type segment struct {
	offset uint32
	data   []byte
}

// Builder accumulates module sections. Imports must be added before
// functions so indices stay stable.
type Builder struct {
	imports []importFunc
	funcs   []function
	data    []segment

	memMin    uint32
	memMax    uint32
	hasMax    bool
	hasMemory bool
}

// New returns an empty builder.
func New() *Builder {
	return &Builder{}
}

// Memory declares an exported "memory" with min pages and no maximum.
func (b *Builder) Memory(min uint32) *Builder {
	b.hasMemory = true
	b.memMin = min
	return b
}

// MemoryMax declares an exported "memory" with min and max pages.
func (b *Builder) MemoryMax(min, max uint32) *Builder {
	b.Memory(min)
	b.memMax = max
	b.hasMax = true
	return b
}

// Import adds a function import and returns its function index.
func (b *Builder) Import(module, name string, params, results []ValType) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: imports must be added before functions")
	}
	b.imports = append(b.imports, importFunc{module: module, name: name, typ: funcType{params, results}})
	return uint32(len(b.imports) - 1)
}

// Func adds a function, exported under export when non-empty. body excludes
// the final end opcode.
func (b *Builder) Func(export string, params, results []ValType, body ...byte) uint32 {
	b.funcs = append(b.funcs, function{export: export, typ: funcType{params, results}, body: body})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Data places bytes in memory at offset.
func (b *Builder) Data(offset uint32, data []byte) *Builder {
	b.data = append(b.data, segment{offset: offset, data: data})
	return b
}

// Build encodes the module.
func (b *Builder) Build() []byte {
	out := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

	var types [][]byte
	for _, imp := range b.imports {
		types = append(types, encodeFuncType(imp.typ))
	}
	for _, fn := range b.funcs {
		types = append(types, encodeFuncType(fn.typ))
	}
	if len(types) > 0 {
		out = appendSection(out, 1, vector(types))
	}

	if len(b.imports) > 0 {
		var entries [][]byte
		for i, imp := range b.imports {
			e := name(imp.module)
			e = append(e, name(imp.name)...)
			e = append(e, 0x00)
			e = append(e, U32(uint32(i))...)
			entries = append(entries, e)
		}
		out = appendSection(out, 2, vector(entries))
	}

	if len(b.funcs) > 0 {
		var entries [][]byte
		for i := range b.funcs {
			entries = append(entries, U32(uint32(len(b.imports)+i)))
		}
		out = appendSection(out, 3, vector(entries))
	}

	if b.hasMemory {
		limits := []byte{0x00}
		limits = append(limits, U32(b.memMin)...)
		if b.hasMax {
			limits = []byte{0x01}
			limits = append(limits, U32(b.memMin)...)
			limits = append(limits, U32(b.memMax)...)
		}
		out = appendSection(out, 5, vector([][]byte{limits}))
	}

	var exports [][]byte
	if b.hasMemory {
		e := name("memory")
		e = append(e, 0x02, 0x00)
		exports = append(exports, e)
	}
	for i, fn := range b.funcs {
		if fn.export == "" {
			continue
		}
		e := name(fn.export)
		e = append(e, 0x00)
		e = append(e, U32(uint32(len(b.imports)+i))...)
		exports = append(exports, e)
	}
	if len(exports) > 0 {
		out = appendSection(out, 7, vector(exports))
	}

	if len(b.funcs) > 0 {
		var bodies [][]byte
		for _, fn := range b.funcs {
			body := []byte{0x00} // no locals
			body = append(body, fn.body...)
			body = append(body, OpEnd)
			bodies = append(bodies, append(U32(uint32(len(body))), body...))
		}
		out = appendSection(out, 10, vector(bodies))
	}

	if len(b.data) > 0 {
		var segs [][]byte
		for _, s := range b.data {
			seg := []byte{0x00, OpI32Const}
			seg = append(seg, SLEB32(int32(s.offset))...)
			seg = append(seg, OpEnd)
			seg = append(seg, U32(uint32(len(s.data)))...)
			seg = append(seg, s.data...)
			segs = append(segs, seg)
		}
		out = appendSection(out, 11, vector(segs))
	}
	return out
}

func encodeFuncType(t funcType) []byte {
	out := []byte{0x60}
	out = append(out, U32(uint32(len(t.params)))...)
	for _, p := range t.params {
		out = append(out, byte(p))
	}
	out = append(out, U32(uint32(len(t.results)))...)
	for _, r := range t.results {
		out = append(out, byte(r))
	}
	return out
}

func appendSection(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	out = append(out, U32(uint32(len(content)))...)
	return append(out, content...)
}

func vector(items [][]byte) []byte {
	out := U32(uint32(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func name(s string) []byte {
	return append(U32(uint32(len(s))), s...)
}

// U32 encodes v as unsigned LEB128.
func U32(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

// SLEB32 encodes v as signed LEB128.
func SLEB32(v int32) []byte {
	return sleb(int64(v))
}

// SLEB64 encodes v as signed LEB128.
func SLEB64(v int64) []byte {
	return sleb(v)
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if done {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// Const returns an i32.const instruction.
func Const(v int32) []byte {
	return append([]byte{OpI32Const}, SLEB32(v)...)
}

// Seq concatenates instruction fragments.
func Seq(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// CallFunc returns a call instruction.
func CallFunc(idx uint32) []byte {
	return append([]byte{OpCall}, U32(idx)...)
}
