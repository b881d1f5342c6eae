package dmaserial

// Endpoint is the hardware side of one serial port. The driver binds to one
// endpoint for its lifetime and never owns or closes it.
type Endpoint interface {
	// StartReceive arms circular DMA reception into buf. The endpoint keeps
	// writing into buf, wrapping at len(buf), and raises OnRxInterrupt after
	// new bytes land.
	StartReceive(buf []byte) error

	// ReceivePosition returns the index in the receive buffer that the DMA engine
	// will write next.
	ReceivePosition() int

	// Transmit starts a DMA transmission of p and returns without waiting. p must
	// not be modified until the endpoint raises OnTxComplete.
	Transmit(p []byte) error
}

// Interrupts are the events an endpoint raises, normally from its interrupt
// context. Implementations must return quickly and never block.
type Interrupts interface {
	OnRxInterrupt()
	OnTxComplete()
	OnTransportError(flags ErrorFlags)
}

// TxPoller is implemented by endpoints whose transmissions advance only when the
// foreground calls in, such as the loopback endpoint. DrainIfIdle calls PollTx
// while a transmission is in flight.
type TxPoller interface {
	PollTx()
}

// RxSpace reports how many more bytes the receive side can take right now.
// Driver implements it so an endpoint can pace its deliveries.
type RxSpace interface {
	RxFree() int
}
