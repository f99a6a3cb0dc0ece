package main

import (
	"io"
)

// escapeChar starts a host command on the console input (^A).
const escapeChar = 0x01

// escapeReader passes terminal input through to the machine, intercepting
// ^A sequences: ^A x calls onEscape and ends the input, ^A ^A sends a
// literal ^A and ^A followed by anything else is dropped.
type escapeReader struct {
	r        io.Reader
	onEscape func()

	pending bool
	done    bool
}

func (e *escapeReader) Read(p []byte) (int, error) {
	if e.done {
		return 0, io.EOF
	}

	n, err := e.r.Read(p)
	out := 0
	for _, c := range p[:n] {
		switch {
		case e.pending:
			e.pending = false
			switch c {
			case 'x':
				e.done = true
				e.onEscape()
				return out, io.EOF
			case escapeChar:
				p[out] = c
				out++
			}
		case c == escapeChar:
			e.pending = true
		default:
			p[out] = c
			out++
		}
	}
	return out, err
}

// crlfWriter expands line feeds to CR LF for a terminal in raw mode.
type crlfWriter struct {
	w io.Writer
}

func (c *crlfWriter) Write(p []byte) (int, error) {
	buf := make([]byte, 0, len(p)+8)
	for _, b := range p {
		if b == '\n' {
			buf = append(buf, '\r')
		}
		buf = append(buf, b)
	}
	if _, err := c.w.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}
