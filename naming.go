package xrelay

import "reflect"

// Named lets content choose its own wire message name.
type Named interface {
	MessageName() string
}

// NamingService maps outbound content to a wire message name.
type NamingService interface {
	NameFor(content any) string
}

// NamingFunc adapts a function to NamingService.
type NamingFunc func(content any) string

func (f NamingFunc) NameFor(content any) string { return f(content) }

// TypeNaming names content after its Go type ("pkg.Type"), unless the
// content implements Named.
type TypeNaming struct{}

func (TypeNaming) NameFor(content any) string {
	if n, ok := content.(Named); ok {
		return n.MessageName()
	}
	if content == nil {
		return ""
	}
	t := reflect.TypeOf(content)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.String()
}
