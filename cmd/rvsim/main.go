// Command rvsim boots the kernel on a simulated RISC-V machine with the
// host terminal as its serial console.
//
// The terminal is switched to raw mode so control characters reach the
// console line discipline. Type ^A x to power the machine off.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"

	tty "github.com/mattn/go-tty"

	"github.com/kennykguo/xv6-kernel-dev/kernel/kmain"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mem"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[rvsim] error: %s\n", err.Error())
	os.Exit(1)
}

func runTool() error {
	def := kmain.DefaultConfig()

	harts := flag.Int("harts", def.Harts, "the number of harts")
	memMb := flag.Uint("mem", uint(def.Memory/mem.Mb), "the amount of RAM in MiB")
	interval := flag.Uint64("interval", def.TimerInterval, "the number of 100ns time units between timer interrupts")
	diskBlocks := flag.Uint("disk", uint(def.DiskBlocks), "the size of the disk in blocks or 0 for no disk")
	initPath := flag.String("init", "", "a raw RV64 image to run as the first process instead of the built-in init")
	ttyPath := flag.String("tty", "", "the terminal device to attach the console to (default: the controlling terminal)")
	noTTY := flag.Bool("notty", false, "use stdin and stdout as they are instead of a raw terminal")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "rvsim: boot the kernel on a simulated RISC-V machine\n\n")
		fmt.Fprint(os.Stderr, "Usage: rvsim [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 0 {
		exit(errors.New("unexpected arguments"))
	}

	cfg := def
	cfg.Harts = *harts
	cfg.Memory = mem.Size(*memMb) * mem.Mb
	cfg.TimerInterval = *interval
	cfg.DiskBlocks = uint32(*diskBlocks)

	if *initPath != "" {
		code, err := os.ReadFile(*initPath)
		if err != nil {
			return err
		}
		cfg.Init = code
	}

	var (
		quit     = make(chan struct{})
		quitOnce sync.Once
		in       io.Reader
	)
	onEscape := func() { quitOnce.Do(func() { close(quit) }) }

	if *noTTY {
		in, cfg.ConsoleOut = os.Stdin, os.Stdout
	} else {
		term, err := openTTY(*ttyPath)
		if err != nil {
			return err
		}
		defer term.Close()

		restore := term.MustRaw()
		defer restore()

		in = term.Input()
		cfg.ConsoleOut = &crlfWriter{w: term.Output()}
	}
	cfg.ConsoleIn = &escapeReader{r: in, onEscape: onEscape}

	m, kerr := kmain.Boot(cfg)
	if kerr != nil {
		return kerr
	}

	go func() {
		select {
		case <-quit:
			m.PowerOff()
		case <-m.Done():
		}
	}()

	return m.Wait()
}

func openTTY(path string) (*tty.TTY, error) {
	if path == "" {
		return tty.Open()
	}
	return tty.OpenDevice(path)
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
