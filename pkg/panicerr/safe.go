// Package panicerr turns panics in worker code into errors.
package panicerr

import (
	"context"

	"github.com/sourcegraph/conc/panics"

	"github.com/kazz187/packetguild/pkg/cerr"
)

// Run calls fn and returns its error. A panic inside fn is recovered and
// returned as an Internal error carrying the panic value and its stack.
func Run(ctx context.Context, fn func(context.Context) error) error {
	var (
		catcher panics.Catcher
		err     error
	)
	catcher.Try(func() {
		err = fn(ctx)
	})
	if r := catcher.Recovered(); r != nil {
		return cerr.NewError(cerr.Internal, "worker panicked", r.AsError())
	}
	return err
}
