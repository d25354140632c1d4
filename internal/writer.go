package internal

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/cli/cli/streams"
	"github.com/moby/term"
)

// Writer provides methods for output operations that the command needs.
// This allows callers to control where and how output is written, rather than
// forcing command code to use global state like fmt.Print.
type Writer interface {
	// Print writes a message to the output stream.
	Print(v ...interface{})

	// Printf writes a formatted message to the output stream.
	Printf(format string, v ...interface{})

	// Println writes a message with a newline to the output stream.
	Println(v ...interface{})

	// Warning writes a warning message to the error stream.
	Warning(v ...interface{})

	// Warningf writes a formatted warning message to the error stream.
	Warningf(format string, v ...interface{})

	// JSON writes v as JSON to the output stream.
	JSON(v any) error

	// GetWriter returns the underlying io.Writer for direct writing.
	GetWriter() io.Writer

	// GetErrWriter returns the underlying error stream.
	GetErrWriter() io.Writer
}

// StandardWriter implements Writer using standard output/error streams.
type StandardWriter struct {
	out *streams.Out
	err io.Writer
}

// NewStandardWriter creates a Writer that outputs to stdout and stderr.
func NewStandardWriter() *StandardWriter {
	_, stdout, stderr := term.StdStreams()
	return NewCustomWriter(stdout, stderr)
}

// NewCustomWriter creates a Writer with custom output streams.
// The out stream is used for normal output, while err is used for warnings.
func NewCustomWriter(out, err io.Writer) *StandardWriter {
	return &StandardWriter{
		out: streams.NewOut(out),
		err: err,
	}
}

// Print writes a message to the output stream without adding a newline.
func (w *StandardWriter) Print(v ...interface{}) {
	fmt.Fprint(w.out, v...)
}

// Printf writes a formatted message to the output stream.
func (w *StandardWriter) Printf(format string, v ...interface{}) {
	fmt.Fprintf(w.out, format, v...)
}

// Println writes a message with a newline to the output stream.
func (w *StandardWriter) Println(v ...interface{}) {
	fmt.Fprintln(w.out, v...)
}

// Warning writes a warning message to the error stream with a "Warning: " prefix.
func (w *StandardWriter) Warning(v ...interface{}) {
	fmt.Fprint(w.err, "Warning: ")
	fmt.Fprintln(w.err, v...)
}

// Warningf writes a formatted warning message to the error stream with a "Warning: " prefix.
func (w *StandardWriter) Warningf(format string, v ...interface{}) {
	fmt.Fprintf(w.err, "Warning: "+format+"\n", v...)
}

// JSON writes v followed by a newline. Output to a terminal is indented.
func (w *StandardWriter) JSON(v any) error {
	encoder := json.NewEncoder(w.out)
	if w.out.IsTerminal() {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

// GetWriter returns the underlying io.Writer for direct writing to the output stream.
func (w *StandardWriter) GetWriter() io.Writer {
	return w.out
}

// GetErrWriter returns the error stream.
func (w *StandardWriter) GetErrWriter() io.Writer {
	return w.err
}
