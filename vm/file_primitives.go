package vm

import (
	"os"

	"golang.org/x/sys/unix"
)

// ---------------------------------------------------------------------------
// os module: file, dir and dir-iterator object kinds
// ---------------------------------------------------------------------------

// File objects hold the fd in the first payload word and the path in the
// body; n1 flags a closed fd. Dir objects hold only the path; listing
// snapshots the entries into a dir-iterator.

func osModuleInit(vm *VM, m *Module) {
	m.SetNativeFunc("open", 2, nativeOsOpen)
	m.SetNativeFunc("openDir", 1, nativeOsOpenDir)
	m.SetNativeFunc("mkdir", 1, nativeOsMkdir)
	m.SetNativeFunc("remove", 1, nativeOsRemove)

	vm.bindNativeMethod(TypeFile, "read", 1, nativeFileRead)
	vm.bindNativeMethod(TypeFile, "write", 1, nativeFileWrite)
	vm.bindNativeMethod(TypeFile, "size", 0, nativeFileSize)
	vm.bindNativeMethod(TypeFile, "close", 0, nativeFileClose)
	vm.bindNativeMethod(TypeFile, "path", 0, nativeFilePath)

	vm.bindNativeMethod(TypeDir, "path", 0, nativeDirPath)
	vm.bindNativeMethod(TypeDir, "iter", 0, nativeDirIter)

	vm.bindNativeMethod2(TypeDirIter, "next", 0, nativeDirIterNext)
}

// openFlags maps a mode string to open(2) flags.
func openFlags(mode string) (int, bool) {
	switch mode {
	case "r":
		return unix.O_RDONLY, true
	case "w":
		return unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC, true
	case "rw":
		return unix.O_RDWR | unix.O_CREAT, true
	case "a":
		return unix.O_WRONLY | unix.O_CREAT | unix.O_APPEND, true
	}
	return 0, false
}

func nativeOsOpen(vm *VM, args []Value, nargs int) Value {
	path, ok1 := vm.stringBytes(args[0])
	mode, ok2 := vm.stringBytes(args[1])
	if !ok1 || !ok2 {
		return ErrorValue(vm.tagLits.Intern("InvalidArgument"))
	}
	flags, ok := openFlags(mode)
	if !ok {
		return ErrorValue(vm.tagLits.Intern("InvalidArgument"))
	}
	fd, err := unix.Open(path, flags, 0o644)
	if err != nil {
		return ErrorValue(vm.tagLits.Intern("FileNotFound"))
	}
	ref, o := vm.allocPool(TypeFile)
	o.n0 = uint64(fd)
	o.body = path
	return FromPointer(ref)
}

func nativeOsOpenDir(vm *VM, args []Value, nargs int) Value {
	path, ok := vm.stringBytes(args[0])
	if !ok {
		return ErrorValue(vm.tagLits.Intern("InvalidArgument"))
	}
	var stat unix.Stat_t
	if err := unix.Stat(path, &stat); err != nil || stat.Mode&unix.S_IFMT != unix.S_IFDIR {
		return ErrorValue(vm.tagLits.Intern("NotADirectory"))
	}
	ref, o := vm.allocPool(TypeDir)
	o.body = path
	return FromPointer(ref)
}

func nativeOsMkdir(vm *VM, args []Value, nargs int) Value {
	path, ok := vm.stringBytes(args[0])
	if !ok {
		return ErrorValue(vm.tagLits.Intern("InvalidArgument"))
	}
	if err := unix.Mkdir(path, 0o755); err != nil {
		return ErrorValue(vm.tagLits.Intern("IOFailed"))
	}
	return None
}

func nativeOsRemove(vm *VM, args []Value, nargs int) Value {
	path, ok := vm.stringBytes(args[0])
	if !ok {
		return ErrorValue(vm.tagLits.Intern("InvalidArgument"))
	}
	if err := unix.Unlink(path); err != nil {
		return ErrorValue(vm.tagLits.Intern("IOFailed"))
	}
	return None
}

// ---------------------------------------------------------------------------
// file methods
// ---------------------------------------------------------------------------

func fileFD(o *Object) (int, bool) {
	if o.n1 != 0 {
		return 0, false
	}
	return int(o.n0), true
}

func nativeFileRead(vm *VM, recv Value, args []Value, nargs int) Value {
	o := vm.heap.obj(recv.AsPointer())
	fd, open := fileFD(o)
	if !open {
		return ErrorValue(vm.tagLits.Intern("FileClosed"))
	}
	n := int(vm.coerceF64(args[0]))
	if n <= 0 {
		return vm.allocRawString(nil)
	}
	buf := make([]byte, n)
	got, err := unix.Read(fd, buf)
	if err != nil {
		return ErrorValue(vm.tagLits.Intern("IOFailed"))
	}
	return vm.allocRawString(buf[:got])
}

func nativeFileWrite(vm *VM, recv Value, args []Value, nargs int) Value {
	o := vm.heap.obj(recv.AsPointer())
	fd, open := fileFD(o)
	if !open {
		return ErrorValue(vm.tagLits.Intern("FileClosed"))
	}
	s, ok := vm.stringBytes(args[0])
	if !ok {
		return ErrorValue(vm.tagLits.Intern("InvalidArgument"))
	}
	n, err := unix.Write(fd, []byte(s))
	if err != nil {
		return ErrorValue(vm.tagLits.Intern("IOFailed"))
	}
	return FromF64(float64(n))
}

func nativeFileSize(vm *VM, recv Value, args []Value, nargs int) Value {
	o := vm.heap.obj(recv.AsPointer())
	fd, open := fileFD(o)
	if !open {
		return ErrorValue(vm.tagLits.Intern("FileClosed"))
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return ErrorValue(vm.tagLits.Intern("IOFailed"))
	}
	return FromF64(float64(stat.Size))
}

func nativeFileClose(vm *VM, recv Value, args []Value, nargs int) Value {
	vm.closeFileObject(vm.heap.obj(recv.AsPointer()))
	return None
}

func nativeFilePath(vm *VM, recv Value, args []Value, nargs int) Value {
	return vm.GetOrAllocString(vm.heap.obj(recv.AsPointer()).body.(string))
}

// closeFileObject is the file destructor hook; closing twice is a no-op.
func (vm *VM) closeFileObject(o *Object) {
	if fd, open := fileFD(o); open {
		unix.Close(fd)
		o.n1 = 1
	}
}

// ---------------------------------------------------------------------------
// dir methods
// ---------------------------------------------------------------------------

func nativeDirPath(vm *VM, recv Value, args []Value, nargs int) Value {
	return vm.GetOrAllocString(vm.heap.obj(recv.AsPointer()).body.(string))
}

// dirIterBody snapshots a directory listing.
type dirIterBody struct {
	names []string
	isDir []bool
	idx   int
}

func nativeDirIter(vm *VM, recv Value, args []Value, nargs int) Value {
	dirRef := recv.AsPointer()
	path := vm.heap.obj(dirRef).body.(string)
	entries, err := os.ReadDir(path)
	if err != nil {
		return ErrorValue(vm.tagLits.Intern("IOFailed"))
	}
	body := &dirIterBody{}
	for _, e := range entries {
		body.names = append(body.names, e.Name())
		body.isDir = append(body.isDir, e.IsDir())
	}

	vm.heap.obj(dirRef).rc++
	vm.heap.globalRC++
	ref, o := vm.allocPool(TypeDirIter)
	o.n1 = uint64(dirRef)
	o.body = body
	return FromPointer(ref)
}

// nativeDirIterNext returns (name, kindTag); (none, none) when done.
func nativeDirIterNext(vm *VM, recv Value, args []Value, nargs int) (Value, Value) {
	body := vm.heap.obj(recv.AsPointer()).body.(*dirIterBody)
	if body.idx >= len(body.names) {
		return None, None
	}
	name := body.names[body.idx]
	isDir := body.isDir[body.idx]
	body.idx++
	kind := "file"
	if isDir {
		kind = "dir"
	}
	return vm.GetOrAllocString(name), TagLiteralValue(vm.tagLits.Intern(kind))
}

// closeDirObject is the dir destructor hook. Dir objects hold no fd.
func (vm *VM) closeDirObject(o *Object) {}
