package supervisor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ParseRecord extracts the metrics record from a child's standard output:
// the last line that is a JSON object. Numbers keep their JSON text, strings
// are used verbatim and nested values are re-encoded as compact JSON.
// It returns nil without error when stdout holds no record.
func ParseRecord(stdout []byte) (map[string]string, error) {
	lines := bytes.Split(stdout, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}

		var raw map[string]any
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			// Log lines may start with a brace too; keep looking.
			continue
		}
		return flattenRecord(raw)
	}
	return nil, nil
}

func flattenRecord(raw map[string]any) (map[string]string, error) {
	record := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
			record[key] = ""
		case string:
			record[key] = v
		case json.Number:
			record[key] = v.String()
		case bool:
			record[key] = strconv.FormatBool(v)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("metric %q: %w", key, err)
			}
			record[key] = string(data)
		}
	}
	return record, nil
}
