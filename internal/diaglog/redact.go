package diaglog

// sensitiveKeys are payload keys whose values never reach the trace file.
// Verification data and the controller MAC identify the paired device.
var sensitiveKeys = map[string]bool{
	"authentication": true,
	"token":          true,
	"secret":         true,
	"challenge":      true,
	"salt":           true,
	"verify_data":    true,
	"mac":            true,
}

// Redact recursively replaces the values of sensitive keys with "[REDACTED]".
// v is not mutated; maps and slices are copied. Other types pass through.
func Redact(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			if sensitiveKeys[k] {
				out[k] = "[REDACTED]"
			} else {
				out[k] = Redact(child)
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = Redact(elem)
		}
		return out
	default:
		return v
	}
}
