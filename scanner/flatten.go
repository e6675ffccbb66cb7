package scanner

import (
	"fmt"
	"strconv"
)

const (
	flattenMaxDepth = 8
	flattenMaxKeys  = 64
)

// flattenMetadata turns notification metadata into flat string labels
// ("a.b", "ids[0]") for broker headers and syslog structured data.
func flattenMetadata(meta map[string]any) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		flattenInto(out, k, v, 1)
		if len(out) >= flattenMaxKeys {
			break
		}
	}
	return out
}

func flattenInto(out map[string]string, prefix string, value any, depth int) {
	if len(out) >= flattenMaxKeys {
		return
	}
	if depth > flattenMaxDepth {
		out[prefix] = fmt.Sprintf("<max_depth:%d>", flattenMaxDepth)
		return
	}

	switch v := value.(type) {
	case map[string]any:
		for k, child := range v {
			flattenInto(out, prefix+"."+k, child, depth+1)
			if len(out) >= flattenMaxKeys {
				return
			}
		}
	case []string:
		for i, child := range v {
			out[prefix+"["+strconv.Itoa(i)+"]"] = child
			if len(out) >= flattenMaxKeys {
				return
			}
		}
	case []any:
		for i, child := range v {
			flattenInto(out, prefix+"["+strconv.Itoa(i)+"]", child, depth+1)
			if len(out) >= flattenMaxKeys {
				return
			}
		}
	case nil:
		out[prefix] = ""
	default:
		out[prefix] = fmt.Sprint(v)
	}
}
