package dmaserial

import (
	gobug "go.bug.st/serial"
)

type BaudRate int

func (b BaudRate) Int() int {
	return int(b)
}

const (
	Baud9600   BaudRate = 9600
	Baud19200  BaudRate = 19200
	Baud38400  BaudRate = 38400
	Baud57600  BaudRate = 57600
	Baud115200 BaudRate = 115200
	Baud230400 BaudRate = 230400
	Baud460800 BaudRate = 460800
	Baud921600 BaudRate = 921600
)

type DataBits int

func (d DataBits) Int() int {
	return int(d)
}

const (
	DataBits5 DataBits = 5
	DataBits6 DataBits = 6
	DataBits7 DataBits = 7
	DataBits8 DataBits = 8
)

type Parity gobug.Parity

func (pa Parity) Get() gobug.Parity {
	return gobug.Parity(pa)
}

const (
	ParityNone  = Parity(gobug.NoParity)
	ParityOdd   = Parity(gobug.OddParity)
	ParityEven  = Parity(gobug.EvenParity)
	ParityMark  = Parity(gobug.MarkParity)
	ParitySpace = Parity(gobug.SpaceParity)
)

// ParseParity maps the usual single-letter notation (N, O, E, M, S).
func ParseParity(s string) (Parity, bool) {
	switch s {
	case "N", "n":
		return ParityNone, true
	case "O", "o":
		return ParityOdd, true
	case "E", "e":
		return ParityEven, true
	case "M", "m":
		return ParityMark, true
	case "S", "s":
		return ParitySpace, true
	}
	return 0, false
}

// stopBitsFromFloat maps the human count of stop bits onto go.bug.st's enum,
// whose zero value is one stop bit.
func stopBitsFromFloat(f float64) (gobug.StopBits, bool) {
	switch f {
	case 1:
		return gobug.OneStopBit, true
	case 1.5:
		return gobug.OnePointFiveStopBits, true
	case 2:
		return gobug.TwoStopBits, true
	}
	return 0, false
}

// Mode converts the port settings into a go.bug.st serial mode. The config must
// have passed ValidatePortConfig.
func (c *PortConfig) Mode() *gobug.Mode {
	sb, _ := stopBitsFromFloat(c.StopBits)
	return &gobug.Mode{
		BaudRate: BaudRate(c.BaudRate).Int(),
		DataBits: DataBits(c.DataBits).Int(),
		Parity:   Parity(c.Parity).Get(),
		StopBits: sb,
	}
}
