package adcbridge

// DataSource is the interface a pipeline host uses to drive a source: it
// starts it, pulls items with Work until io.EOF, and stops it.
type DataSource interface {
	Start() error
	Stop() error
	Work(nRequested int, outputs []OutputStream) (int, error)
	Running() bool
	GetState() SourceState
	NumOutputs() int
	OutputMode() OutputMode
	Err() error
}
