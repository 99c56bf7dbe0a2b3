package handler

import (
	"context"
	"fmt"
	"reflect"

	"chan-rpc/message"
)

// Func is the native handler signature. Functions of this exact shape are called
// without reflection.
type Func func(ctx context.Context, args []any) ([]any, error)

// Done is the error-first completion callback handed to callback-style handlers
// as their last argument.
type Done func(err error, results ...any)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	doneType    = reflect.TypeOf(Done(nil))
	funcType    = reflect.TypeOf(Func(nil))
)

// invoker adapts an arbitrary Go function to the Func signature.
//
// Accepted shapes, with an optional receiver bound in front:
//
//	func([ctx context.Context,] a1, a2, ... [, rest ...T]) [(r1, r2, ... [, error])]
//	func([ctx context.Context,] a1, a2, ..., done Done)          // callback style
type invoker struct {
	fn          reflect.Value
	typ         reflect.Type
	receiver    reflect.Value // Valid when the first parameter is bound
	wantsCtx    bool
	useCallback bool
	raw         Func
}

func newInvoker(fn reflect.Value, receiver reflect.Value, useCallback bool) (*invoker, error) {
	if fn.Kind() != reflect.Func || fn.IsNil() {
		return nil, fmt.Errorf("handler: expect a function, got %s", fn.Kind())
	}
	typ := fn.Type()
	inv := &invoker{fn: fn, typ: typ, receiver: receiver, useCallback: useCallback}

	if !receiver.IsValid() && !useCallback && typ.ConvertibleTo(funcType) {
		inv.raw = fn.Convert(funcType).Interface().(Func)
		return inv, nil
	}

	first := 0
	if receiver.IsValid() {
		if typ.NumIn() == 0 || !receiver.Type().AssignableTo(typ.In(0)) {
			return nil, fmt.Errorf("handler: context %s cannot be bound to %s", receiver.Type(), typ)
		}
		first = 1
	}
	if typ.NumIn() > first && typ.In(first) == contextType {
		inv.wantsCtx = true
	}
	if useCallback {
		if typ.IsVariadic() || typ.NumIn() == 0 || !doneType.ConvertibleTo(typ.In(typ.NumIn()-1)) {
			return nil, fmt.Errorf("handler: callback-style handler must take a trailing handler.Done, got %s", typ)
		}
	}
	return inv, nil
}

// Call runs the wrapped function. A panic is returned as an error value; the
// caller is responsible for annotating it.
func (inv *invoker) Call(ctx context.Context, args []any) (results []any, err error) {
	if inv.raw != nil {
		return inv.raw(ctx, args)
	}

	in := make([]reflect.Value, 0, inv.typ.NumIn())
	if inv.receiver.IsValid() {
		in = append(in, inv.receiver)
	}
	if inv.wantsCtx {
		in = append(in, reflect.ValueOf(ctx))
	}

	numIn := inv.typ.NumIn()
	if inv.useCallback {
		numIn--
	}
	fixed := numIn - len(in)
	if inv.typ.IsVariadic() {
		fixed--
	}

	// Missing arguments become zero values; surplus arguments of a non-variadic
	// function are ignored.
	for i := 0; i < fixed; i++ {
		pt := inv.typ.In(len(in))
		var arg any
		if i < len(args) {
			arg = args[i]
		}
		v, cerr := message.Convert(arg, pt)
		if cerr != nil {
			return nil, fmt.Errorf("argument %d: %w", i, cerr)
		}
		in = append(in, v)
	}
	if inv.typ.IsVariadic() && len(args) > fixed {
		et := inv.typ.In(inv.typ.NumIn() - 1).Elem()
		for i, arg := range args[fixed:] {
			v, cerr := message.Convert(arg, et)
			if cerr != nil {
				return nil, fmt.Errorf("argument %d: %w", fixed+i, cerr)
			}
			in = append(in, v)
		}
	}

	if inv.useCallback {
		return inv.callWithDone(ctx, in)
	}

	out := inv.fn.Call(in)
	return splitResults(out)
}

type doneResult struct {
	values []any
	err    error
}

func (inv *invoker) callWithDone(ctx context.Context, in []reflect.Value) ([]any, error) {
	ch := make(chan doneResult, 1)
	done := Done(func(err error, results ...any) {
		select {
		case ch <- doneResult{values: results, err: err}:
		default: // Only the first completion counts
		}
	})
	in = append(in, reflect.ValueOf(done).Convert(inv.typ.In(inv.typ.NumIn()-1)))

	panicked := make(chan any, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				panicked <- p
			}
		}()
		inv.fn.Call(in)
	}()

	select {
	case res := <-ch:
		return res.values, res.err
	case p := <-panicked:
		panic(p)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func splitResults(out []reflect.Value) ([]any, error) {
	var err error
	if n := len(out); n > 0 && out[n-1].Type() == errorType {
		if !out[n-1].IsNil() {
			err = out[n-1].Interface().(error)
		}
		out = out[:n-1]
	}
	if err != nil {
		return nil, err
	}
	results := make([]any, len(out))
	for i, v := range out {
		results[i] = v.Interface()
	}
	return results, nil
}
