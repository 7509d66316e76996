package syscall

// Number identifies a syscall by the value userspace loads into RAX before
// executing SYSCALL. Values match the Linux x86-64 syscall table subset the
// original core implements.
type Number uint64

const (
	SysRead     Number = 0
	SysWrite    Number = 1
	SysOpen     Number = 2
	SysClose    Number = 3
	SysFstat    Number = 5
	SysLseek    Number = 8
	SysMmap     Number = 9
	SysMunmap   Number = 11
	SysBrk      Number = 12
	SysGetpid   Number = 39
	SysFork     Number = 57
	SysExecve   Number = 59
	SysExit     Number = 60
	SysWaitpid  Number = 61
	SysGetdents Number = 78
	SysGetcwd   Number = 79
	SysChdir    Number = 80
	SysMkdir    Number = 83
	SysRmdir    Number = 84
	SysUnlink   Number = 87
)

// open() flags, as passed in RSI.
const (
	ORdonly uint64 = 0x0000
	OWronly uint64 = 0x0001
	ORdwr   uint64 = 0x0002
	OCreat  uint64 = 0x0040
	OTrunc  uint64 = 0x0200
)

// lseek() whence values, as passed in RDX.
const (
	SeekSet uint64 = 0
	SeekCur uint64 = 1
	SeekEnd uint64 = 2
)

// struct stat st_mode file-type bits.
const (
	SIfmt  uint32 = 0170000
	SIfreg uint32 = 0100000
	SIfdir uint32 = 0040000
	SIfchr uint32 = 0020000
	SIfblk uint32 = 0060000
)
