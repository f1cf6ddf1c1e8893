package ui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"bigxfer/internal/protocol"
	"bigxfer/pkg/utils"
)

// ConsoleUI prompts the user on a terminal. A single goroutine owns the
// input so prompts from different components never race for lines.
type ConsoleUI struct {
	out io.Writer

	startOnce sync.Once
	in        io.Reader
	lines     chan string
	readErr   error
	mu        sync.Mutex
}

// NewConsoleUI reads answers from in and writes prompts to out.
func NewConsoleUI(in io.Reader, out io.Writer) *ConsoleUI {
	return &ConsoleUI{in: in, out: out, lines: make(chan string)}
}

// ShowMessage displays a message to the user
func (c *ConsoleUI) ShowMessage(message string) {
	fmt.Fprintln(c.out, message)
}

// ShowCode tells the sender which code to pass on.
func (c *ConsoleUI) ShowCode(code string) {
	fmt.Fprintf(c.out, "Send this code to the receiver: %s\n", code)
}

func (c *ConsoleUI) scan() {
	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.lines <- strings.TrimSpace(scanner.Text())
	}
	c.mu.Lock()
	c.readErr = scanner.Err()
	if c.readErr == nil {
		c.readErr = io.EOF
	}
	c.mu.Unlock()
	close(c.lines)
}

// ReadLine returns the next trimmed input line.
func (c *ConsoleUI) ReadLine(ctx context.Context) (string, error) {
	c.startOnce.Do(func() { go c.scan() })

	select {
	case line, ok := <-c.lines:
		if !ok {
			c.mu.Lock()
			defer c.mu.Unlock()
			return "", c.readErr
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// InputCode prompts until the user enters a well-formed session code.
func (c *ConsoleUI) InputCode(ctx context.Context) (string, error) {
	for {
		fmt.Fprint(c.out, "Enter code from sender: ")
		code, err := c.ReadLine(ctx)
		if err != nil {
			return "", err
		}
		if utils.IsValidCode(code) {
			return code, nil
		}
		fmt.Fprintln(c.out, "Invalid code. Please enter again.")
	}
}

// ConfirmOffer asks whether to accept an inbound file.
func (c *ConsoleUI) ConfirmOffer(ctx context.Context, meta protocol.FileMeta) (bool, error) {
	from := ""
	if meta.Username != "" {
		from = " from " + meta.Username
	}
	fmt.Fprintf(c.out, "Incoming file %q (%s)%s. Accept? [y/N]: ",
		meta.FileName, utils.FormatFileSize(meta.FileSize), from)

	answer, err := c.ReadLine(ctx)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
