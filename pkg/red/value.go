package red

// ValueKind tags the internal representation of an input or output value.
type ValueKind string

const (
	// KindLiteral is a plain scalar passed to the command line.
	KindLiteral ValueKind = "literal"
	// KindConnector is a value fetched or pushed by a side program at run
	// time.
	KindConnector ValueKind = "connector"
)

// Value is the tagged representation of one input/output entry.
type Value struct {
	Kind      ValueKind
	Literal   any
	Connector *ConnectorSpec
}

// ConnectorSpec describes a connector-backed input or output.
type ConnectorSpec struct {
	Command string
	Access  map[string]any
	Mount   bool
}

// ParseValue classifies a decoded inputs/outputs entry. An object carrying a
// "connector" key is connector-backed; everything else is a literal.
func ParseValue(v any) Value {
	obj, ok := v.(map[string]any)
	if !ok {
		return Value{Kind: KindLiteral, Literal: v}
	}
	rawConn, ok := obj["connector"].(map[string]any)
	if !ok {
		return Value{Kind: KindLiteral, Literal: v}
	}

	spec := &ConnectorSpec{}
	if cmd, ok := rawConn["command"].(string); ok {
		spec.Command = cmd
	}
	if access, ok := rawConn["access"].(map[string]any); ok {
		spec.Access = access
	}
	if mount, ok := rawConn["mount"].(bool); ok {
		spec.Mount = mount
	}
	return Value{Kind: KindConnector, Connector: spec}
}
