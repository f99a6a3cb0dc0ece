package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"go/parser"
	"go/printer"
	"go/token"
	"io"
	"os"

	"github.com/kennykguo/xv6-kernel-dev/user"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[mkinitcode] error: %s\n", err.Error())
	os.Exit(1)
}

// genInitFile returns Go source declaring varName in package pkg as a byte
// slice holding code.
func genInitFile(code []byte, pkg, varName string) string {
	var buf bytes.Buffer

	// Output header
	fmt.Fprintf(&buf, `
// Code generated by mkinitcode. DO NOT EDIT.

package %s

// %s is the first user program, %d bytes, loaded at virtual address 0.
var %s = []byte{
`, pkg, varName, len(code), varName)

	for i, b := range code {
		if i != 0 && i%16 == 0 {
			buf.WriteByte('\n')
		}
		fmt.Fprintf(&buf, "0x%02x, ", b)
	}

	// Footer
	fmt.Fprint(&buf, "\n}\n")
	return buf.String()
}

func writeOutput(path string, write func(w io.Writer) error) error {
	if path == "-" {
		return write(os.Stdout)
	}

	fOut, err := os.Create(path)
	if err != nil {
		return err
	}
	defer fOut.Close()
	return write(fOut)
}

func runTool() error {
	format := flag.String("format", "go", "the output format: go for a Go source file or bin for a raw image")
	pkg := flag.String("pkg", "initcode", "the package name of the generated Go file")
	varName := flag.String("var-name", "initCode", "the name of the variable containing the program")
	output := flag.String("out", "-", "a file to write the output to or - to output to STDOUT")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "mkinitcode: emit the built-in init program\n\n")
		fmt.Fprint(os.Stderr, "Usage: mkinitcode [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	code := user.Init()

	switch *format {
	case "bin":
		return writeOutput(*output, func(w io.Writer) error {
			_, err := w.Write(code)
			return err
		})
	case "go":
	default:
		exit(errors.New("invalid format; supported values are: go or bin"))
	}

	// Pretty-print generated file using go/printer
	fSet := token.NewFileSet()
	astFile, err := parser.ParseFile(fSet, "", genInitFile(code, *pkg, *varName), parser.ParseComments)
	if err != nil {
		return err
	}

	return writeOutput(*output, func(w io.Writer) error {
		return printer.Fprint(w, fSet, astFile)
	})
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
