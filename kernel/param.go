package kernel

const (
	// MaxProc is the number of slots in the process table.
	MaxProc = 64

	// MaxCPU is the maximum number of harts the kernel can drive.
	MaxCPU = 8

	// MaxOpenFiles is the number of file descriptors per process.
	MaxOpenFiles = 16

	// MaxFiles is the number of open files system-wide.
	MaxFiles = 100

	// MaxDevices is the number of slots in the device switch.
	MaxDevices = 10

	// RootDevice is the device number of the file system root.
	RootDevice = 1

	// MaxPath is the longest path (including the terminating NUL) that a
	// system call accepts.
	MaxPath = 128

	// MaxArg is the longest argv that exec would accept.
	MaxArg = 32

	// ConsoleMajor is the device-switch slot of the console.
	ConsoleMajor = 1
)
