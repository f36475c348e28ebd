package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrSelectionAborted is returned when the user cancels the device picker.
var ErrSelectionAborted = errors.New("device selection aborted")

// SelectDevice shows an interactive picker on the terminal and returns the
// chosen capture device. A single device is returned without prompting.
func SelectDevice(ctx Context) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	switch len(devices) {
	case 0:
		return nil, ErrNoDevice
	case 1:
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	idx, err := pickDevice(os.Stdin, os.Stdout, devices)
	if err != nil {
		return nil, err
	}
	return &devices[idx], nil
}

// pickDevice drives the picker from raw key input. Split out from
// SelectDevice so it can run against plain readers.
func pickDevice(in io.Reader, out io.Writer, devices []DeviceInfo) (int, error) {
	cursor := 0
	render := func() {
		fmt.Fprint(out, "\r\x1b[J")
		fmt.Fprint(out, "Select microphone (↑/↓ or j/k, Enter to confirm):\r\n\r\n")
		for i, d := range devices {
			if i == cursor {
				fmt.Fprintf(out, "  \x1b[1;36m▶ %s\x1b[0m\r\n", d.Name)
			} else {
				fmt.Fprintf(out, "    %s\r\n", d.Name)
			}
		}
	}
	up := func() {
		if cursor > 0 {
			cursor--
		}
	}
	down := func() {
		if cursor < len(devices)-1 {
			cursor++
		}
	}

	render()
	buf := make([]byte, 3)
	for {
		n, err := in.Read(buf)
		if err != nil {
			return 0, fmt.Errorf("reading input: %w", err)
		}

		switch {
		case n == 1 && (buf[0] == '\r' || buf[0] == '\n'):
			fmt.Fprint(out, "\r\n")
			return cursor, nil
		case n == 1 && (buf[0] == 3 || buf[0] == 'q'): // Ctrl+C
			fmt.Fprint(out, "\r\n")
			return 0, ErrSelectionAborted
		case n == 1 && buf[0] == 'j':
			down()
		case n == 1 && buf[0] == 'k':
			up()
		case n == 3 && buf[0] == 0x1b && buf[1] == '[' && buf[2] == 'A':
			up()
		case n == 3 && buf[0] == 0x1b && buf[1] == '[' && buf[2] == 'B':
			down()
		}

		fmt.Fprintf(out, "\x1b[%dA", len(devices)+2)
		render()
	}
}
