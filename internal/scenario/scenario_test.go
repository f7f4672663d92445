package scenario

import (
	"context"
	"fmt"
)

// fakeBridge records calls and replays scripted replies keyed by method.
type fakeBridge struct {
	calls   []recordedCall
	replies map[string]any
	errs    map[string]error
}

type recordedCall struct {
	method string
	args   any
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		replies: map[string]any{},
		errs:    map[string]error{},
	}
}

func (f *fakeBridge) Start(ctx context.Context) error { return nil }
func (f *fakeBridge) Close() error                    { return nil }

func (f *fakeBridge) Call(ctx context.Context, method string, args any, reply any) error {
	f.calls = append(f.calls, recordedCall{method: method, args: args})
	if err := f.errs[method]; err != nil {
		return err
	}
	scripted, ok := f.replies[method]
	if !ok || reply == nil {
		return nil
	}
	switch out := reply.(type) {
	case *float64:
		*out = scripted.(float64)
	case *[]float64:
		*out = scripted.([]float64)
	default:
		return fmt.Errorf("fake bridge: unhandled reply type %T", reply)
	}
	return nil
}

func (f *fakeBridge) methods() []string {
	methods := make([]string, 0, len(f.calls))
	for _, call := range f.calls {
		methods = append(methods, call.method)
	}
	return methods
}
