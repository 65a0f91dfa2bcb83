// Package soma reads cell populations from a TileDB-SOMA experiment.
//
// Only the arrays marker discovery needs are touched:
//   - ms/RNA/var for gene ids
//   - obs for the dataset, patient and cluster columns
//   - ms/RNA/X/data for the sparse expression matrix
package soma

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupported indicates this binary was built without SOMA/TileDB support.
	ErrUnsupported = errors.New("soma support is not enabled in this build (build with: go build -tags soma)")
)

// ResolveExperimentURI accepts either:
//   - /path/to/.../soma/experiment.soma
//   - /path/to/.../soma  (parent directory)
//
// and returns the experiment.soma path.
func ResolveExperimentURI(somaPath string) (string, error) {
	p := strings.TrimSpace(somaPath)
	if p == "" {
		return "", errors.New("empty soma_path")
	}
	p = filepath.Clean(os.ExpandEnv(p))

	if strings.HasSuffix(p, ".soma") {
		return p, nil
	}
	return filepath.Join(p, "experiment.soma"), nil
}
