// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weft

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/loom/services/loom/record"
)

func TestRegistry(t *testing.T) {
	echo := Func(func(_ context.Context, req Request) (Response, error) {
		return Response{Results: []Result{{Base: 0, Operation: record.Append(req.Descriptor.Name)}}}, nil
	})

	t.Run("register and lookup", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("echo", echo))

		p, err := r.Lookup("echo")
		require.NoError(t, err)
		resp, err := p.Run(context.Background(), Request{Descriptor: Descriptor{Name: "x"}})
		require.NoError(t, err)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, "x", string(resp.Results[0].Operation.Body))
	})

	t.Run("duplicate", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("echo", echo))
		assert.ErrorIs(t, r.Register("echo", echo), ErrProgramExists)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := NewRegistry().Lookup("nope")
		assert.ErrorIs(t, err, ErrProgramNotFound)
	})

	t.Run("invalid registration", func(t *testing.T) {
		r := NewRegistry()
		assert.Error(t, r.Register("", echo))
		assert.Error(t, r.Register("x", nil))
	})

	t.Run("ids sorted", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("b", echo))
		require.NoError(t, r.Register("a", echo))
		assert.Equal(t, []string{"a", "b"}, r.IDs())
	})
}

func TestFailure(t *testing.T) {
	var err error = &Failure{Program: "sim", Code: "overloaded", Message: "try later", Retryable: true}
	assert.Equal(t, "weft sim: overloaded: try later", err.Error())

	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.True(t, f.Retryable)

	assert.Equal(t, "weft sim: bad", (&Failure{Program: "sim", Message: "bad"}).Error())
}

func TestDescriptor_Clone(t *testing.T) {
	d := Descriptor{Name: "n", Params: map[string]string{"k": "v"}}
	c := d.Clone()
	c.Params["k"] = "changed"
	assert.Equal(t, "v", d.Params["k"])
}
