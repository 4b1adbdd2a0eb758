package backup

import (
	"encoding/json"
	"fmt"

	"github.com/scrat-backup/scrat/metadata"
	"github.com/scrat-backup/scrat/scanner"
)

func decodeSource(src metadata.Source) ([]string, scanner.FilterConfig, error) {
	var roots []string
	if err := json.Unmarshal([]byte(src.RootsJSON), &roots); err != nil {
		return nil, scanner.FilterConfig{}, fmt.Errorf("decode source roots: %w", err)
	}
	var filters scanner.FilterConfig
	if err := json.Unmarshal([]byte(src.FiltersJSON), &filters); err != nil {
		return nil, scanner.FilterConfig{}, fmt.Errorf("decode source filters: %w", err)
	}
	return roots, filters, nil
}
