// Package vterm turns raw terminal output of a job into readable text.
package vterm

import (
	"io"
	"regexp"
	"strings"

	"github.com/charmbracelet/x/vt"
)

const (
	DefaultCols = 200
	DefaultRows = 50
	maxRows     = 5000
)

var escapeSequences = []*regexp.Regexp{
	regexp.MustCompile(`\x1b\[\?[0-9;]*[hlsr]`),
	regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z~]`),
	regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`),
	regexp.MustCompile(`\x1b[()][AB012]`),
	regexp.MustCompile(`\x1b[=>A-Za-z]`),
}

// Sequences that move the cursor; text after them cannot be flattened by
// deleting escapes alone.
var cursorMove = regexp.MustCompile(`\x1b\[\d*;?\d*[HFfGdABCDJK]`)

// Strip removes escape sequences from output. Output that moves the cursor
// is replayed on an emulator of width cols so overwritten text disappears.
func Strip(output string, cols int) string {
	if output == "" {
		return ""
	}
	if cols <= 0 {
		cols = DefaultCols
	}

	if !cursorMove.MatchString(output) {
		for _, re := range escapeSequences {
			output = re.ReplaceAllString(output, "")
		}
		output = strings.ReplaceAll(output, "\r\n", "\n")
		return dropCarriageReturns(output)
	}

	rows := min(strings.Count(output, "\n")+DefaultRows, maxRows)
	return trimTrailingEmptyLines(emulate(output, cols, rows, false))
}

// Screen replays output on a cols x rows terminal and returns what the
// screen shows at the end, the way a full-screen program would look.
// styled keeps colors and attributes as escape sequences.
func Screen(output string, cols, rows int, styled bool) string {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	screen := emulate(output, cols, rows, styled)
	if styled {
		return screen
	}
	return trimTrailingEmptyLines(screen)
}

func emulate(output string, cols, rows int, styled bool) string {
	emu := vt.NewEmulator(cols, rows)

	// Replies to terminal queries go to the emulator's input pipe, which
	// blocks once full unless someone reads it.
	replies := make(chan struct{})
	go func() {
		defer close(replies)
		io.Copy(io.Discard, emu)
	}()

	emu.WriteString(onlcr(output))
	var screen string
	if styled {
		screen = emu.Render()
	} else {
		screen = emu.String()
	}

	if pw, ok := emu.InputPipe().(io.Closer); ok {
		pw.Close()
	}
	<-replies
	emu.Close()

	screen = strings.ReplaceAll(screen, "\r\n", "\n")
	return strings.ReplaceAll(screen, "\r", "")
}

// onlcr maps bare "\n" to "\r\n" like a terminal driver does. Pipe-mode
// output never went through one.
func onlcr(s string) string {
	var b strings.Builder
	b.Grow(len(s) + strings.Count(s, "\n"))
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' && (i == 0 || s[i-1] != '\r') {
			b.WriteByte('\r')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// dropCarriageReturns keeps, for each line, the text after its last bare
// carriage return, as a progress bar would be left on a terminal.
func dropCarriageReturns(s string) string {
	if !strings.Contains(s, "\r") {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if idx := strings.LastIndex(strings.TrimRight(line, "\r"), "\r"); idx >= 0 {
			line = line[idx+1:]
		}
		lines[i] = strings.ReplaceAll(line, "\r", "")
	}
	return strings.Join(lines, "\n")
}

func trimTrailingEmptyLines(s string) string {
	lines := strings.Split(s, "\n")
	last := len(lines) - 1
	for last >= 0 && strings.TrimRight(lines[last], " ") == "" {
		last--
	}
	if last < 0 {
		return ""
	}
	return strings.Join(lines[:last+1], "\n")
}
