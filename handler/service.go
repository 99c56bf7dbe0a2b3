package handler

import (
	"reflect"
	"runtime"
	"unicode"
	"unicode/utf8"
)

// lookupMethod finds the exported method answering a wire method name:
// the exact name first, then the name with its first letter upper-cased.
func lookupMethod(typ reflect.Type, methodName string) (reflect.Method, bool) {
	if m, ok := typ.MethodByName(methodName); ok {
		return m, true
	}
	r, size := utf8.DecodeRuneInString(methodName)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return reflect.Method{}, false
	}
	return typ.MethodByName(string(unicode.ToUpper(r)) + methodName[size:])
}

// isPromoted reports whether the method called name reaches typ only through an
// embedded field. A method the type declares itself, overrides included, is not
// promoted. The compiler emits promoted methods as wrappers whose source file is
// "<autogenerated>", for value and pointer receivers alike.
func isPromoted(typ reflect.Type, name string) bool {
	base := typ
	if base.Kind() == reflect.Ptr {
		base = base.Elem()
	}
	if base.Kind() != reflect.Struct {
		return false
	}
	found := false
	for _, t := range []reflect.Type{base, reflect.PointerTo(base)} {
		m, ok := t.MethodByName(name)
		if !ok {
			continue
		}
		found = true
		if declaredInSource(m) {
			return false
		}
	}
	return found
}

func declaredInSource(m reflect.Method) bool {
	fn := runtime.FuncForPC(m.Func.Pointer())
	if fn == nil {
		return false
	}
	file, _ := fn.FileLine(fn.Entry())
	return file != "<autogenerated>"
}
