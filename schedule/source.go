package schedule

import (
	"encoding/json"
	"fmt"
)

func decodeRoots(rootsJSON string) ([]string, error) {
	var roots []string
	if err := json.Unmarshal([]byte(rootsJSON), &roots); err != nil {
		return nil, fmt.Errorf("decode source roots: %w", err)
	}
	return roots, nil
}
