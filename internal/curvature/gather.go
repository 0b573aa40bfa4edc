package curvature

import (
	"fmt"
	"sort"

	"github.com/23skdu/longbow-curvature/internal/nn"
	"gonum.org/v1/gonum/mat"
)

// GatherBatchGrads concatenates per-example gradients into one batch x params
// matrix: records in order, weight columns then bias columns, every non-batch
// dimension flattened. Records keyed by anything other than weight/bias are
// rejected so unsupported layer types cannot slip through silently.
func GatherBatchGrads(records []nn.GradRecord) (*mat.Dense, error) {
	var blocks []*mat.Dense
	batch, width := -1, 0
	for _, rec := range records {
		if bad := unknownKeys(rec.Grads); len(bad) > 0 {
			return nil, fmt.Errorf("%w: layer %q: invalid parameter keys %v", ErrValidation, rec.Layer, bad)
		}
		for _, role := range []string{nn.RoleWeight, nn.RoleBias} {
			g, ok := rec.Grads[role]
			if !ok {
				continue
			}
			if len(g.Shape) < 2 {
				return nil, fmt.Errorf("%w: layer %q: %s gradient has shape %v, want a batch dimension and at least one more",
					ErrValidation, rec.Layer, role, g.Shape)
			}
			if err := checkShape(g); err != nil {
				return nil, fmt.Errorf("%w: layer %q: %s gradient: %v", ErrValidation, rec.Layer, role, err)
			}
			if batch == -1 {
				batch = g.Batch()
			} else if g.Batch() != batch {
				return nil, fmt.Errorf("%w: layer %q: %s gradient has batch %d, want %d",
					ErrValidation, rec.Layer, role, g.Batch(), batch)
			}
			blocks = append(blocks, g.Flatten())
			width += g.Width()
		}
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: no per-example gradients to gather", ErrValidation)
	}

	out := mat.NewDense(batch, width, nil)
	off := 0
	for _, b := range blocks {
		_, c := b.Dims()
		out.Slice(0, batch, off, off+c).(*mat.Dense).Copy(b)
		off += c
	}
	return out, nil
}

func unknownKeys(grads map[string]*nn.BatchGrad) []string {
	var bad []string
	for k := range grads {
		if k != nn.RoleWeight && k != nn.RoleBias {
			bad = append(bad, k)
		}
	}
	sort.Strings(bad)
	return bad
}

func checkShape(g *nn.BatchGrad) error {
	size := 1
	for _, d := range g.Shape {
		if d <= 0 {
			return fmt.Errorf("shape %v has a non-positive dimension", g.Shape)
		}
		size *= d
	}
	if len(g.Data) != size {
		return fmt.Errorf("shape %v needs %d values, got %d", g.Shape, size, len(g.Data))
	}
	return nil
}
