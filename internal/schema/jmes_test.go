package schema

func (s *SchemaTestSuite) TestEvalAny() {
	obj := map[string]any{
		"key1": "value1",
		"key2": map[string]any{
			"subkey1": "subvalue1",
			"subkey2": float64(42),
		},
		"key3": []any{"elem1", "elem2", "elem3"},
		"key4": nil,
	}

	v, err := EvalAny("key1", obj)
	s.NoError(err)
	s.Equal("value1", v.(string))

	v, err = EvalAny("key2.subkey2", obj)
	s.NoError(err)
	s.Equal(float64(42), v)

	v, err = EvalAny("key3[1]", obj)
	s.NoError(err)
	s.Equal("elem2", v.(string))

	v, err = EvalAny("key4", obj)
	s.NoError(err)
	s.Nil(v)

	v, err = EvalAny("nonexistent", obj)
	s.NoError(err)
	s.Nil(v)

	// The wrap-or-empty idiom used by migrations.
	v, err = EvalAny("key1 && [key1] || `[]`", obj)
	s.NoError(err)
	s.Equal([]any{"value1"}, v)

	v, err = EvalAny("nonexistent && [nonexistent] || `[]`", obj)
	s.NoError(err)
	s.Equal([]any{}, v)

	_, err = EvalAny("key1[", obj)
	s.Error(err)
}
