package textutil

// SingleLineMap applies SingleLine to every key and value. Entries whose key cleans to "" are
// dropped, and the result is nil when nothing survives.
func SingleLineMap(values map[string]string, maxRunes int) map[string]string {
	var out map[string]string
	for key, value := range values {
		key = SingleLine(key, maxRunes)
		if key == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(values))
		}
		out[key] = SingleLine(value, maxRunes)
	}
	return out
}
