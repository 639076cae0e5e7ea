package ecs

// System represents a behavior that operates on entities with specific components.
// User-defined systems should implement this interface and can include Query and
// Singleton fields for accessing the storage, as well as custom state fields that
// persist between runs. A returned error is reported as a SystemFault.
type System interface {
	Execute(frame *UpdateFrame) error
}

// SystemFunc adapts a function to the System interface. Function systems declare
// their component access with WithQueries.
type SystemFunc func(frame *UpdateFrame) error

func (f SystemFunc) Execute(frame *UpdateFrame) error {
	return f(frame)
}

// SystemOption configures a system at registration.
type SystemOption func(*systemEntry)

// WithName names the system. Names must be unique within a Dispatcher; the
// default is the system's type name.
func WithName(name string) SystemOption {
	return func(e *systemEntry) {
		e.name = name
	}
}

// After makes the system wait for the named systems. Systems in earlier stages
// always finish first; naming a system of a later stage is an error.
func After(names ...string) SystemOption {
	return func(e *systemEntry) {
		e.after = append(e.after, names...)
	}
}

// WithQueries declares queries, singletons or filters used by the system that
// are not fields of it. *Query and *Singleton values are bound to the storage
// the dispatcher runs against.
func WithQueries(queries ...any) SystemOption {
	return func(e *systemEntry) {
		e.extra = append(e.extra, queries...)
	}
}
