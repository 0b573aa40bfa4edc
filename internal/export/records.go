// Package export turns curvature results into Arrow records and ships them
// to IPC stream files or an Arrow Flight endpoint.
package export

import (
	"fmt"

	"github.com/23skdu/longbow-curvature/internal/curvature"
	"github.com/23skdu/longbow-curvature/internal/nn"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const metaKind = "kind"

// VectorSchema describes one value per parameter in canonical order.
func VectorSchema(kind string) *arrow.Schema {
	md := arrow.NewMetadata([]string{metaKind}, []string{kind})
	return arrow.NewSchema([]arrow.Field{
		{Name: "param", Type: arrow.PrimitiveTypes.Int64},
		{Name: "layer", Type: arrow.BinaryTypes.String},
		{Name: "role", Type: arrow.BinaryTypes.String},
		{Name: "value", Type: arrow.PrimitiveTypes.Float64},
	}, &md)
}

// KronSchema describes one row per factor, values row-major.
func KronSchema() *arrow.Schema {
	md := arrow.NewMetadata([]string{metaKind}, []string{"kron"})
	return arrow.NewSchema([]arrow.Field{
		{Name: "group", Type: arrow.PrimitiveTypes.Int64},
		{Name: "factor", Type: arrow.PrimitiveTypes.Int64},
		{Name: "dim", Type: arrow.PrimitiveTypes.Int64},
		{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
	}, &md)
}

// Kind reads the record kind stored in the schema metadata.
func Kind(schema *arrow.Schema) string {
	md := schema.Metadata()
	if i := md.FindKey(metaKind); i >= 0 {
		return md.Values()[i]
	}
	return ""
}

// ParamLabels names every parameter in canonical order by layer and role.
func ParamLabels(model *nn.Model) (layers, roles []string) {
	for _, l := range model.Layers {
		for range l.Weight {
			layers = append(layers, l.Name)
			roles = append(roles, nn.RoleWeight)
		}
		for range l.Bias {
			layers = append(layers, l.Name)
			roles = append(roles, nn.RoleBias)
		}
	}
	return layers, roles
}

// VectorRecord builds a record from a per-parameter vector such as a
// curvature diagonal or a SWAG variance. The caller releases it.
func VectorRecord(mem memory.Allocator, model *nn.Model, kind string, values []float64) (arrow.Record, error) {
	layers, roles := ParamLabels(model)
	if len(values) != len(layers) {
		return nil, fmt.Errorf("%s: got %d values for %d parameters", kind, len(values), len(layers))
	}
	b := array.NewRecordBuilder(mem, VectorSchema(kind))
	defer b.Release()

	idx := make([]int64, len(values))
	for i := range idx {
		idx[i] = int64(i)
	}
	b.Field(0).(*array.Int64Builder).AppendValues(idx, nil)
	b.Field(1).(*array.StringBuilder).AppendValues(layers, nil)
	b.Field(2).(*array.StringBuilder).AppendValues(roles, nil)
	b.Field(3).(*array.Float64Builder).AppendValues(values, nil)
	return b.NewRecord(), nil
}

// KronRecord flattens Kronecker factors into one row per factor.
func KronRecord(mem memory.Allocator, kron *curvature.KronFactors) arrow.Record {
	b := array.NewRecordBuilder(mem, KronSchema())
	defer b.Release()

	groups := b.Field(0).(*array.Int64Builder)
	factors := b.Field(1).(*array.Int64Builder)
	dims := b.Field(2).(*array.Int64Builder)
	lists := b.Field(3).(*array.ListBuilder)
	values := lists.ValueBuilder().(*array.Float64Builder)

	for g, group := range kron.Groups {
		for f, m := range group {
			r, _ := m.Dims()
			groups.Append(int64(g))
			factors.Append(int64(f))
			dims.Append(int64(r))
			lists.Append(true)
			for i := 0; i < r; i++ {
				for j := 0; j < r; j++ {
					values.Append(m.At(i, j))
				}
			}
		}
	}
	return b.NewRecord()
}

// VectorValues reads the value column back out of a vector record.
func VectorValues(rec arrow.Record) ([]float64, error) {
	idx := rec.Schema().FieldIndices("value")
	if len(idx) == 0 {
		return nil, fmt.Errorf("record has no value column")
	}
	col, ok := rec.Column(idx[0]).(*array.Float64)
	if !ok {
		return nil, fmt.Errorf("value column is %s, want float64", rec.Column(idx[0]).DataType())
	}
	out := make([]float64, col.Len())
	copy(out, col.Float64Values())
	return out, nil
}
