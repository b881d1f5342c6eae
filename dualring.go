package dmaserial

// DualRing pairs a transmit ring and a receive ring with two linear staging
// arrays: txStaging is handed to DMA transmit, rxStaging holds an assembled
// command line.
//
// Ownership follows the single-producer/single-consumer rule of Ring: user code
// produces into Tx and consumes from Rx; the port side produces into Rx
// (PutFromPort) and consumes from Tx (GetForPort, ReadForPort).
type DualRing[T any] struct {
	tx *Ring[T]
	rx *Ring[T]

	txStaging []T
	rxStaging []T

	stagingErrors uint32
}

const (
	// stagingAllocFailed marks a staging array allocation failure in both the Rx
	// (bits 0-7) and Tx (bits 8-15) halves of Errors.
	stagingAllocFailed = uint32(RingAllocFailed)<<8 | uint32(RingAllocFailed)
)

// NewDualRing builds the rings with txCap and rxCap elements and staging arrays of
// txStage and rxStage elements.
func NewDualRing[T any](txCap, rxCap, txStage, rxStage int) *DualRing[T] {
	d := &DualRing[T]{
		tx: NewRing[T](txCap),
		rx: NewRing[T](rxCap),
	}
	if !validSize(txStage) || !validSize(rxStage) {
		d.stagingErrors = stagingAllocFailed
		return d
	}
	d.txStaging = make([]T, txStage)
	d.rxStaging = make([]T, rxStage)
	return d
}

func validSize(n int) bool {
	return n > 0 && n <= AbsoluteMaxBufferSize
}

// Write puts src on the Tx ring in order. It stops at the first element the ring
// rejects and returns false; elements already put stay queued and the rest of src
// is not delivered.
func (d *DualRing[T]) Write(src []T) bool {
	for _, v := range src {
		if !d.tx.Put(v) {
			return false
		}
	}
	return true
}

// Read gets up to len(dst) elements from the Rx ring. It returns the number read
// and false when the ring ran dry before dst was filled. Running dry is the normal
// end of a read, not an error.
func (d *DualRing[T]) Read(dst []T) (int, bool) {
	return drain(d.rx, dst)
}

// Loopback moves every queued Tx element onto the Rx ring, bypassing the port.
// It returns how many elements were moved; elements the Rx ring rejects are lost
// and latch its overflow error.
func (d *DualRing[T]) Loopback() int {
	n := 0
	for {
		v, ok := d.tx.Get()
		if !ok {
			return n
		}
		if d.rx.Put(v) {
			n++
		}
	}
}

// PutFromPort is the interrupt-side producer for the Rx ring.
func (d *DualRing[T]) PutFromPort(v T) bool {
	return d.rx.Put(v)
}

// GetForPort is the port-side consumer for the Tx ring.
func (d *DualRing[T]) GetForPort() (T, bool) {
	return d.tx.Get()
}

// ReadForPort bulk-drains the Tx ring into dst, with the same return convention
// as Read.
func (d *DualRing[T]) ReadForPort(dst []T) (int, bool) {
	return drain(d.tx, dst)
}

func drain[T any](r *Ring[T], dst []T) (int, bool) {
	for i := range dst {
		v, ok := r.Get()
		if !ok {
			return i, false
		}
		dst[i] = v
	}
	return len(dst), true
}

func (d *DualRing[T]) Tx() *Ring[T] { return d.tx }
func (d *DualRing[T]) Rx() *Ring[T] { return d.rx }

// TxStaging is the linear buffer handed to DMA transmit.
func (d *DualRing[T]) TxStaging() []T { return d.txStaging }

// RxStaging is the linear command-line buffer.
func (d *DualRing[T]) RxStaging() []T { return d.rxStaging }

// Errors combines the latches: Rx ring in bits 0-7, Tx ring in bits 8-15.
func (d *DualRing[T]) Errors() uint32 {
	return uint32(d.tx.Errors())<<8 | uint32(d.rx.Errors()) | d.stagingErrors
}

// Failed reports whether any ring or staging array failed to allocate.
func (d *DualRing[T]) Failed() bool {
	return d.Errors()&stagingAllocFailed != 0
}

func (d *DualRing[T]) ClearErrors() {
	d.tx.ClearErrors()
	d.rx.ClearErrors()
}
