package engine

import (
	"reflect"
	"runtime"
	"strings"
	"unicode"
	"unsafe"

	"github.com/loomworks/loom/pkg/tree"
)

// componentName derives a display name for a fiber type: function name for
// components, the tag for string types, "Fragment" for fragments and
// "Component" when nothing better exists.
func componentName(typ any) string {
	if t, ok := typ.(string); ok {
		return t
	}
	if typ == any(tree.Fragment) {
		return "Fragment"
	}
	v := reflect.ValueOf(typ)
	if v.Kind() == reflect.Func {
		if fn := runtime.FuncForPC(v.Pointer()); fn != nil {
			name := fn.Name()
			if i := strings.LastIndex(name, "."); i >= 0 {
				name = name[i+1:]
			}
			name = strings.TrimSuffix(name, "-fm")
			if name != "" {
				return name
			}
		}
	}
	return "Component"
}

// kebab converts CamelCase and snake_case names to kebab-case, the form
// instance ID segments use.
func kebab(name string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range name {
		switch {
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('-')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		case r == '_' || r == ' ':
			b.WriteByte('-')
			prevLower = false
		default:
			b.WriteRune(r)
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		}
	}
	return b.String()
}

// goroutineID extracts the current goroutine's ID from the runtime stack
// header ("goroutine <id> [...").
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)

	var id uint64
	for i := 10; i < n; i++ {
		if buf[i] == ' ' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

// funcIdentity returns a stable identity for a function value: the pointer
// to its closure record. Two references to the same closure compare equal;
// two closures of the same body do not. This is the Go stand-in for the
// function-object identity the boundary reuse strategy keys on.
func funcIdentity(fn any) uintptr {
	type iface struct {
		typ  unsafe.Pointer
		data unsafe.Pointer
	}
	if fn == nil {
		return 0
	}
	return uintptr((*iface)(unsafe.Pointer(&fn)).data)
}
