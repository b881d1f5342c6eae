package dmaserial

const (
	esc = 0x1B

	// DefaultTerminator ends a message.
	DefaultTerminator = '\r'
)

type escState uint8

const (
	escNone  escState = iota
	escStart          // ESC seen
	escCSI            // ESC [ seen, waiting for the final byte
	escSS3            // ESC O seen, one byte left
)

// lineAction is what a single byte did to the line.
type lineAction uint8

const (
	lineContinue lineAction = iota
	lineComplete
	lineTooLarge
	lineEscapeDone
)

// lineAssembler frames bytes into lines on a terminator and strips terminal
// escape sequences. It works in a fixed linear buffer and never allocates.
type lineAssembler struct {
	buf        []byte
	cursor     int
	terminator byte
	state      escState

	// discarding is set after an overflow; the rest of the overlong line up to and
	// including its terminator is dropped so no tail fragment is emitted.
	discarding bool
}

func newLineAssembler(buf []byte, terminator byte) *lineAssembler {
	return &lineAssembler{buf: buf, terminator: terminator}
}

// feed consumes one byte. On lineComplete the finished line is buf[:n] and the
// cursor is already reset.
func (l *lineAssembler) feed(c byte) (action lineAction, n int) {
	if l.state != escNone && (c < 0x20 || c == l.terminator) {
		// a control byte or the terminator cuts the sequence short and is then
		// handled as input, so the terminator always ends the line
		l.state = escNone
	}
	switch l.state {
	case escStart:
		switch c {
		case '[':
			l.state = escCSI
			return lineContinue, 0
		case 'O':
			l.state = escSS3
			return lineContinue, 0
		}
		l.state = escNone
		return lineEscapeDone, 0
	case escCSI:
		switch {
		case c >= 0x20 && c <= 0x3F:
			// parameter or intermediate byte
			return lineContinue, 0
		case c >= 0x40 && c <= 0x7E:
			l.state = escNone
			return lineEscapeDone, 0
		}
		// DEL or a high byte aborts the sequence and goes with it
		l.state = escNone
		return lineEscapeDone, 0
	case escSS3:
		l.state = escNone
		return lineEscapeDone, 0
	}

	switch c {
	case esc:
		l.state = escStart
		return lineContinue, 0
	case l.terminator:
		if l.discarding {
			l.discarding = false
			return lineContinue, 0
		}
		n = l.cursor
		l.cursor = 0
		return lineComplete, n
	}

	if l.discarding {
		return lineContinue, 0
	}
	if l.cursor >= len(l.buf) {
		l.cursor = 0
		l.discarding = true
		return lineTooLarge, 0
	}
	l.buf[l.cursor] = c
	l.cursor++
	return lineContinue, 0
}

// reset discards the line in progress and any partial escape sequence.
func (l *lineAssembler) reset() {
	l.cursor = 0
	l.state = escNone
	l.discarding = false
}

func (l *lineAssembler) inEscape() bool { return l.state != escNone }
