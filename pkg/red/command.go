package red

import (
	"fmt"
	"sort"
)

// BuildCommand resolves the command line for one batch from the RED cli
// section and the batch inputs. Connector-backed and hoisted values are
// materialized by the agent at run time and are skipped here; literals are
// appended with their declared prefix, ordered by binding position.
func BuildCommand(cli map[string]any, inputs map[string]any) []string {
	var cmd []string
	switch base := cli["baseCommand"].(type) {
	case string:
		cmd = append(cmd, base)
	case []any:
		for _, part := range base {
			cmd = append(cmd, fmt.Sprint(part))
		}
	}

	cliInputs, ok := cli["inputs"].(map[string]any)
	if !ok {
		return cmd
	}

	type arg struct {
		position int
		key      string
		tokens   []string
	}
	var args []arg

	for key, rawDecl := range cliInputs {
		decl, ok := rawDecl.(map[string]any)
		if !ok {
			continue
		}
		binding, ok := decl["inputBinding"].(map[string]any)
		if !ok {
			continue
		}

		value, ok := inputs[key]
		if !ok || value == nil {
			continue
		}
		parsed := ParseValue(value)
		if parsed.Kind != KindLiteral {
			continue
		}
		if obj, ok := parsed.Literal.(map[string]any); ok {
			if _, hoisted := obj[SecretRefKey]; hoisted {
				continue
			}
		}

		position := 0
		if p, ok := binding["position"].(float64); ok {
			position = int(p)
		}
		var tokens []string
		if prefix, ok := binding["prefix"].(string); ok && prefix != "" {
			tokens = append(tokens, prefix)
		}
		tokens = append(tokens, fmt.Sprint(parsed.Literal))

		args = append(args, arg{position: position, key: key, tokens: tokens})
	}

	sort.Slice(args, func(i, j int) bool {
		if args[i].position != args[j].position {
			return args[i].position < args[j].position
		}
		return args[i].key < args[j].key
	})
	for _, a := range args {
		cmd = append(cmd, a.tokens...)
	}
	return cmd
}
