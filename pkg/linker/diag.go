package linker

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	ErrDivergence = errors.New("layout did not converge")
	ErrLayout     = errors.New("layout impossible")
	ErrOverlap    = errors.New("section overlap")
	ErrOutput     = errors.New("output failure")
	ErrSymbol     = errors.New("symbol conflict")
)

// Diagnostics is the shared warning and error sink of a link.
type Diagnostics struct {
	mu       sync.Mutex
	out      io.Writer
	errs     []error
	warnings int
}

func NewDiagnostics(out io.Writer) *Diagnostics {
	return &Diagnostics{out: out}
}

func (d *Diagnostics) Warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.warnings++
	fmt.Fprintln(d.out, "elfld: "+"\033[0;1;35mwarning:\033[0m", msg)
}

// Error records a fatal-class diagnostic. kind may be nil.
func (d *Diagnostics) Error(kind error, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.mu.Lock()
	defer d.mu.Unlock()
	if kind != nil {
		d.errs = append(d.errs, fmt.Errorf("%w: %s", kind, msg))
	} else {
		d.errs = append(d.errs, errors.New(msg))
	}
	fmt.Fprintln(d.out, "elfld: "+"\033[0;1;31merror:\033[0m", msg)
}

func (d *Diagnostics) ErrCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.errs)
}

func (d *Diagnostics) WarnCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.warnings
}

func (d *Diagnostics) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return errors.Join(d.errs...)
}
