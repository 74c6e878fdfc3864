package transform

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyLowercaseTrimRename(t *testing.T) {
	mapping := &Mapping{
		Fields: []FieldMapping{
			{SourceField: "name", TargetField: "user_name", Converter: "trim"},
			{SourceField: "email", TargetField: "email", Converter: "lowercase"},
		},
	}

	out, ok, err := Apply(map[string]any{"name": " Zhang ", "email": "A@B.COM"}, mapping)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, map[string]any{"user_name": "Zhang", "email": "a@b.com"}, out)
}

func TestApplyIdentityPassthrough(t *testing.T) {
	mapping := &Mapping{
		Fields: []FieldMapping{
			{SourceField: "name", Converter: "uppercase"},
		},
	}

	out, ok, err := Apply(map[string]any{"name": "zhang", "email": "z@x.com"}, mapping)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, map[string]any{"name": "ZHANG", "email": "z@x.com"}, out)
}

func TestApplyFilterDrops(t *testing.T) {
	mapping := &Mapping{
		Filters: []Filter{{Field: "status", Op: "=", Value: "active"}},
	}

	_, ok, err := Apply(map[string]any{"status": "inactive"}, mapping)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestApplyDefaultConverter(t *testing.T) {
	mapping := &Mapping{
		Fields: []FieldMapping{
			{SourceField: "nickname", Converter: "default", ConverterParams: map[string]string{"value": "anon"}},
		},
	}

	out, ok, err := Apply(map[string]any{"nickname": ""}, mapping)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "anon", out["nickname"])
}

func TestApplyTypecastInt(t *testing.T) {
	mapping := &Mapping{
		Fields: []FieldMapping{
			{SourceField: "age", Converter: "typecast", ConverterParams: map[string]string{"target_type": "int"}},
		},
	}

	out, ok, err := Apply(map[string]any{"age": "42"}, mapping)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(42), out["age"])
}

func TestApplyTypecastFailureBubblesUp(t *testing.T) {
	mapping := &Mapping{
		Fields: []FieldMapping{
			{SourceField: "age", Converter: "typecast", ConverterParams: map[string]string{"target_type": "int"}},
		},
	}

	_, _, err := Apply(map[string]any{"age": "not-a-number"}, mapping)
	require.Error(t, err)
}

func TestApplyNumericFilter(t *testing.T) {
	mapping := &Mapping{
		Filters: []Filter{{Field: "age", Op: ">=", Value: "18"}},
	}

	_, ok, err := Apply(map[string]any{"age": "17"}, mapping)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = Apply(map[string]any{"age": "18"}, mapping)
	require.NoError(t, err)
	require.True(t, ok)
}
