package mockserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// The toy language runs one statement per line:
//
//	print <text>     write text and a newline to stdout
//	eprint <text>    write text and a newline to stderr
//	input <prompt>   read a line of stdin; later text may refer to it as {input}
//	sleep <ms>       pause
//	fail <message>   stop with an error
//	artifact <name>  record a file produced by the run
//
// Arguments may be wrapped in parentheses and quotes, so print("hi") and print hi are the
// same. Blank lines and lines starting with # are ignored.

type statement struct {
	line int
	op   string
	arg  string
}

// CodeError is a failure of the submitted program.
type CodeError struct {
	Line    int
	Message string
}

func (e *CodeError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

// needInput stops a single-shot run that has consumed every supplied stdin line.
type needInput struct {
	prompt string
}

func (e *needInput) Error() string {
	return "input required"
}

func parseProgram(code string) ([]statement, error) {
	lines := strings.Split(strings.ReplaceAll(code, "\r\n", "\n"), "\n")
	program := make([]statement, 0, len(lines))
	for i, raw := range lines {
		text := strings.TrimSpace(raw)
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		op, arg := splitStatement(text)
		switch op {
		case "print", "eprint", "input", "fail", "artifact":
		case "sleep":
			if _, err := strconv.Atoi(arg); err != nil {
				return nil, &CodeError{Line: i + 1, Message: fmt.Sprintf("sleep needs milliseconds, got %q", arg)}
			}
		default:
			return nil, &CodeError{Line: i + 1, Message: fmt.Sprintf("unknown statement %q", op)}
		}
		program = append(program, statement{line: i + 1, op: op, arg: arg})
	}
	return program, nil
}

func splitStatement(text string) (string, string) {
	end := strings.IndexAny(text, " \t(")
	if end < 0 {
		return text, ""
	}
	op := text[:end]
	arg := strings.TrimSpace(text[end:])
	if strings.HasPrefix(arg, "(") && strings.HasSuffix(arg, ")") {
		arg = strings.TrimSpace(arg[1 : len(arg)-1])
	}
	if len(arg) >= 2 {
		first, last := arg[0], arg[len(arg)-1]
		if (first == '"' || first == '\'') && first == last {
			arg = arg[1 : len(arg)-1]
		}
	}
	return op, arg
}

// console is the I/O of one program execution.
type console interface {
	Stdout(text string)
	Stderr(text string)
	ReadLine(ctx context.Context, prompt string) (string, error)
	Artifact(name string)
}

// execute runs program against out, pausing step between statements.
func execute(ctx context.Context, program []statement, out console, step time.Duration) error {
	lastInput := ""
	expand := func(arg string) string {
		return strings.ReplaceAll(arg, "{input}", lastInput)
	}
	for i, stmt := range program {
		if i > 0 && step > 0 {
			if err := pause(ctx, step); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		switch stmt.op {
		case "print":
			out.Stdout(expand(stmt.arg) + "\n")
		case "eprint":
			out.Stderr(expand(stmt.arg) + "\n")
		case "input":
			line, err := out.ReadLine(ctx, expand(stmt.arg))
			if errors.Is(err, io.EOF) {
				return &CodeError{Line: stmt.line, Message: "EOFError: EOF when reading a line"}
			}
			if err != nil {
				return err
			}
			lastInput = strings.TrimRight(line, "\r\n")
		case "sleep":
			ms, _ := strconv.Atoi(stmt.arg)
			if err := pause(ctx, time.Duration(ms)*time.Millisecond); err != nil {
				return err
			}
		case "fail":
			message := expand(stmt.arg)
			if message == "" {
				message = "failed"
			}
			return &CodeError{Line: stmt.line, Message: message}
		case "artifact":
			if name := expand(stmt.arg); name != "" {
				out.Artifact(name)
			}
		}
	}
	return nil
}

func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// bufferedConsole serves single-shot runs from a fixed stdin transcript.
type bufferedConsole struct {
	stdout    strings.Builder
	stderr    strings.Builder
	stdin     []string
	artifacts []string
}

func newBufferedConsole(stdin string) *bufferedConsole {
	c := &bufferedConsole{}
	if stdin != "" {
		c.stdin = strings.SplitAfter(stdin, "\n")
		if last := c.stdin[len(c.stdin)-1]; last == "" {
			c.stdin = c.stdin[:len(c.stdin)-1]
		}
	}
	return c
}

func (c *bufferedConsole) Stdout(text string) { c.stdout.WriteString(text) }

func (c *bufferedConsole) Stderr(text string) { c.stderr.WriteString(text) }

func (c *bufferedConsole) Artifact(name string) { c.artifacts = append(c.artifacts, name) }

func (c *bufferedConsole) ReadLine(_ context.Context, prompt string) (string, error) {
	if len(c.stdin) == 0 {
		return "", &needInput{prompt: prompt}
	}
	line := c.stdin[0]
	c.stdin = c.stdin[1:]
	c.stdout.WriteString(prompt + strings.TrimRight(line, "\n") + "\n")
	return line, nil
}
