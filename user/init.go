package user

import (
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/syscall"
)

// Init output.
const (
	InitBanner   = "init: starting\n"
	InitGreeting = "init: hello from the first child\n"
)

// Init returns the default first user program. It opens the console as
// file descriptors 0, 1 and 2, prints a banner, forks a child that greets
// and exits, and then reaps children forever.
func Init() []byte {
	b := NewBuilder()
	b.String("console", "console")

	b.Open("console", syscall.ORdWr)
	b.Bge(cpu.A0, cpu.Zero, "opened")
	b.Exit(1)

	b.Label("opened")
	b.Dup(0) // stdout
	b.Dup(0) // stderr
	b.Print(1, "banner", InitBanner)

	b.Fork()
	b.Blt(cpu.A0, cpu.Zero, "reap")
	b.Beq(cpu.A0, cpu.Zero, "child")

	// wait returns whenever a child, or an orphan handed to init,
	// exits. With nothing left to reap, nap and try again.
	b.Label("reap")
	b.Wait(cpu.Zero)
	b.Bge(cpu.A0, cpu.Zero, "reap")
	b.Sleep(10)
	b.J("reap")

	b.Label("child")
	b.Print(1, "greeting", InitGreeting)
	b.Exit(0)

	image, err := b.Assemble()
	if err != nil {
		panic(err)
	}
	return image
}
