package adcbridge

import "fmt"

// BufferStartKey is the key of the tag attached to the first item taken from
// each freshly fetched block. Its value is the size of that block.
const BufferStartKey = "buffer_start"

// Tag is metadata attached to one item of an output stream. Offset counts
// items written on that stream since the source was started.
type Tag struct {
	Offset uint64
	Key    string
	Value  int64
	SrcID  string
}

func (t Tag) String() string {
	return fmt.Sprintf("%s@%d=%d (%s)", t.Key, t.Offset, t.Value, t.SrcID)
}

// OutputMode selects the representation of samples in the output streams.
type OutputMode int

// Output representations
const (
	OutputVolts OutputMode = iota // float32, converted to volts by the device
	OutputRaw                     // int16, the raw ADC code
)

func (m OutputMode) String() string {
	if m == OutputRaw {
		return "raw"
	}
	return "volts"
}

// OutputStream is the storage Work fills for one enabled channel. Only the
// slice matching the source's OutputMode is used. Work appends to Tags; the
// caller clears it between calls as it sees fit.
type OutputStream struct {
	Volts []float32
	Raw   []int16
	Tags  []Tag
}

func (out *OutputStream) capacity(mode OutputMode) int {
	if mode == OutputRaw {
		return len(out.Raw)
	}
	return len(out.Volts)
}

// NewOutputStreams allocates nstreams output streams of size items each.
func NewOutputStreams(nstreams, size int, mode OutputMode) []OutputStream {
	outputs := make([]OutputStream, nstreams)
	for i := range outputs {
		if mode == OutputRaw {
			outputs[i].Raw = make([]int16, size)
		} else {
			outputs[i].Volts = make([]float32, size)
		}
	}
	return outputs
}
