package syscall

import "github.com/VoltagedDebunked/kronosos/kernel/errors"

// FD is a per-task open file descriptor number, as returned by open() and
// consumed by read/write/close/fstat/lseek/getdents.
type FD int32

// Stat mirrors struct stat's fields the original core's sys_fstat fills in
// (spec.md §6); fields the core never populates (uid/gid/timestamps beyond
// size) are omitted rather than zero-filled for an unused ABI slot.
type Stat struct {
	Ino  uint64
	Mode uint32
	Size int64
}

// Dirent is one entry returned by getdents(), corresponding to struct
// linux_dirent64's Name/Ino/Type fields.
type Dirent struct {
	Ino  uint64
	Type uint8
	Name string
}

// FileSystem abstracts the filesystem operations the syscall handlers need.
// It is installed via SetFileSystem the same way vmm.SetFrameAllocator and
// sched.SetImageLoader decouple their packages from a concrete
// implementation: kernel/syscall never imports a filesystem package
// directly, so a filesystem driver can be swapped or stubbed for tests.
type FileSystem interface {
	Open(task TID, path string, flags uint64, mode uint32) (FD, error)
	Close(task TID, fd FD) error
	Read(task TID, fd FD, buf []byte) (int, error)
	Write(task TID, fd FD, buf []byte) (int, error)
	Fstat(task TID, fd FD) (Stat, error)
	Lseek(task TID, fd FD, offset int64, whence uint64) (int64, error)
	GetDents(task TID, fd FD, max int) ([]Dirent, error)
	Getcwd(task TID) (string, error)
	Chdir(task TID, path string) error
	Mkdir(task TID, path string, mode uint32) error
	Rmdir(task TID, path string) error
	Unlink(task TID, path string) error
	// OnTaskExit releases every FD a terminated task still holds open; the
	// syscall package calls this from sysExit so per-task descriptor
	// tables don't leak across task churn.
	OnTaskExit(task TID)
}

// TID mirrors sched.TID's underlying representation without importing
// sched, so FileSystem implementations don't need to depend on the
// scheduler package just to key a descriptor table.
type TID = uint32

var (
	errNoFileSystem = errors.KernelError("no filesystem installed")
	errNotMapped    = errors.KernelError("address is not an active mmap region")
	fs              FileSystem = noFileSystem{}
)

// SetFileSystem installs the FileSystem implementation the handlers in
// handlers_fs.go delegate to.
func SetFileSystem(impl FileSystem) { fs = impl }

// noFileSystem is the default until SetFileSystem installs a real one
// (kmain installs none); every
// method fails with errNoFileSystem rather than nil-dereferencing.
type noFileSystem struct{}

func (noFileSystem) Open(TID, string, uint64, uint32) (FD, error)   { return 0, errNoFileSystem }
func (noFileSystem) Close(TID, FD) error                            { return errNoFileSystem }
func (noFileSystem) Read(TID, FD, []byte) (int, error)              { return 0, errNoFileSystem }
func (noFileSystem) Write(TID, FD, []byte) (int, error)             { return 0, errNoFileSystem }
func (noFileSystem) Fstat(TID, FD) (Stat, error)                    { return Stat{}, errNoFileSystem }
func (noFileSystem) Lseek(TID, FD, int64, uint64) (int64, error)    { return 0, errNoFileSystem }
func (noFileSystem) GetDents(TID, FD, int) ([]Dirent, error)        { return nil, errNoFileSystem }
func (noFileSystem) Getcwd(TID) (string, error)                     { return "", errNoFileSystem }
func (noFileSystem) Chdir(TID, string) error                        { return errNoFileSystem }
func (noFileSystem) Mkdir(TID, string, uint32) error                { return errNoFileSystem }
func (noFileSystem) Rmdir(TID, string) error                        { return errNoFileSystem }
func (noFileSystem) Unlink(TID, string) error                       { return errNoFileSystem }
func (noFileSystem) OnTaskExit(TID)                                 {}

// loadExecutable reads path's full contents through the installed
// FileSystem for sys_execve, which needs the whole image in memory before
// handing it to sched.ExecImage (the ELF loader parses a byte slice, not a
// stream).
func loadExecutable(path string) ([]byte, error) {
	tid := currentTID()
	fd, err := fs.Open(tid, path, ORdonly, 0)
	if err != nil {
		return nil, err
	}
	defer fs.Close(tid, fd)

	st, err := fs.Fstat(tid, fd)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, st.Size)
	for read := 0; read < len(buf); {
		n, err := fs.Read(tid, fd, buf[read:])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		read += n
	}
	return buf, nil
}
