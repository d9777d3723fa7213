// ABOUTME: Worker side of process isolation: decode a request from stdin, run the handler, encode the response.
// ABOUTME: Invoked by the hidden `planrun worker` command; the parent kills it on deadline.
package isolate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/2389-research/planrun/engine"
)

// Serve handles exactly one request. It returns an error only when the
// request cannot be read or the response cannot be written; handler
// failures are encoded in the response.
func Serve(ctx context.Context, reg *engine.Registry, r io.Reader, w io.Writer) error {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return fmt.Errorf("isolate: decode request: %w", err)
	}
	if req.Input == nil {
		req.Input = &engine.Input{}
	}

	resp := execute(ctx, reg, req)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return fmt.Errorf("isolate: encode response: %w", err)
	}
	return nil
}

func execute(ctx context.Context, reg *engine.Registry, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = Response{Error: fmt.Sprintf("handler panic: %v\n%s", r, debug.Stack())}
		}
	}()

	h, ok := reg.Lookup(req.Kind)
	if !ok {
		return Response{Error: fmt.Sprintf("operation %q is not registered in the worker", req.Kind), Permanent: true}
	}
	delta, err := h.Execute(ctx, req.Input)
	if err != nil {
		return Response{Error: err.Error(), Permanent: engine.IsPermanent(err)}
	}
	return Response{Delta: delta}
}
