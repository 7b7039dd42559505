// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package record

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// State Tests
// -----------------------------------------------------------------------------

func TestState(t *testing.T) {
	t.Run("copies input", func(t *testing.T) {
		buf := []byte("abc")
		s := NewState(buf)
		buf[0] = 'z'
		assert.Equal(t, "abc", s.String())
	})

	t.Run("bytes returns copy", func(t *testing.T) {
		s := StateFromString("abc")
		b := s.Bytes()
		b[0] = 'z'
		assert.Equal(t, "abc", s.String())
	})

	t.Run("zero state is empty payload", func(t *testing.T) {
		var zero State
		assert.Equal(t, 0, zero.Len())
		assert.Equal(t, NewState(nil).Digest(), zero.Digest())
		assert.True(t, zero.Equal(StateFromString("")))
	})

	t.Run("digest tracks content", func(t *testing.T) {
		assert.Equal(t, StateFromString("x").Digest(), StateFromString("x").Digest())
		assert.NotEqual(t, StateFromString("x").Digest(), StateFromString("y").Digest())
		assert.Len(t, StateFromString("x").Digest().Short(), 12)
	})
}

// -----------------------------------------------------------------------------
// Store.Commit Tests
// -----------------------------------------------------------------------------

func TestStore_Commit(t *testing.T) {
	store := NewStore(StoreConfig{})

	t.Run("append", func(t *testing.T) {
		parent := StateFromString("hello")
		rec, next, err := store.Commit(parent, Append(" world"))
		require.NoError(t, err)
		assert.Equal(t, "hello world", next.String())
		assert.Equal(t, parent.Digest(), rec.Parent)
		assert.Equal(t, next.Digest(), rec.Result)
		assert.Equal(t, uint64(0), rec.Seq)
	})

	t.Run("replace", func(t *testing.T) {
		_, next, err := store.Commit(StateFromString("old"), Replace("new"))
		require.NoError(t, err)
		assert.Equal(t, "new", next.String())
	})

	t.Run("deterministic", func(t *testing.T) {
		parent := StateFromString("p")
		r1, s1, err := store.Commit(parent, Append("q"))
		require.NoError(t, err)
		r2, s2, err := store.Commit(parent, Append("q"))
		require.NoError(t, err)
		assert.True(t, r1.SameTransition(r2))
		assert.True(t, s1.Equal(s2))
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, _, err := store.Commit(State{}, Operation{Kind: "rotate"})
		assert.ErrorIs(t, err, ErrInvalidOperation)
	})

	t.Run("missing kind", func(t *testing.T) {
		_, _, err := store.Commit(State{}, Operation{Body: []byte("x")})
		assert.ErrorIs(t, err, ErrInvalidOperation)
	})

	t.Run("record does not alias op body", func(t *testing.T) {
		op := Append("abc")
		rec, _, err := store.Commit(State{}, op)
		require.NoError(t, err)
		op.Body[0] = 'z'
		assert.Equal(t, "abc", string(rec.Op.Body))
	})
}

func TestStore_DedupeCache(t *testing.T) {
	t.Run("hits on repeat", func(t *testing.T) {
		store := NewStore(StoreConfig{DedupeCacheSize: 4})
		parent := StateFromString("a")
		for i := 0; i < 3; i++ {
			_, _, err := store.Commit(parent, Append("b"))
			require.NoError(t, err)
		}
		stats := store.Stats()
		assert.Equal(t, int64(3), stats.Commits)
		assert.Equal(t, int64(2), stats.CacheHits)
		assert.Equal(t, 1, stats.CacheSize)
	})

	t.Run("bounded", func(t *testing.T) {
		store := NewStore(StoreConfig{DedupeCacheSize: 2})
		for _, s := range []string{"a", "b", "c", "d"} {
			_, _, err := store.Commit(StateFromString(s), Append("x"))
			require.NoError(t, err)
		}
		assert.Equal(t, 2, store.Stats().CacheSize)
	})

	t.Run("disabled", func(t *testing.T) {
		store := NewStore(StoreConfig{DedupeCacheSize: -1})
		parent := StateFromString("a")
		_, _, _ = store.Commit(parent, Append("b"))
		_, _, _ = store.Commit(parent, Append("b"))
		assert.Equal(t, int64(0), store.Stats().CacheHits)
		assert.Equal(t, 0, store.Stats().CacheSize)
	})

	t.Run("register purges cache", func(t *testing.T) {
		store := NewStore(StoreConfig{})
		_, _, err := store.Commit(StateFromString("a"), Append("b"))
		require.NoError(t, err)

		upper := ApplierFunc(func(parent State, op Operation) (State, error) {
			return StateFromString(parent.String() + strings.ToUpper(string(op.Body))), nil
		})
		require.NoError(t, store.Register(KindAppend, upper))
		assert.Equal(t, 0, store.Stats().CacheSize)

		_, next, err := store.Commit(StateFromString("a"), Append("b"))
		require.NoError(t, err)
		assert.Equal(t, "aB", next.String())
	})
}

func TestStore_Register(t *testing.T) {
	store := NewStore(StoreConfig{})

	t.Run("custom kind", func(t *testing.T) {
		rev := ApplierFunc(func(parent State, _ Operation) (State, error) {
			b := parent.Bytes()
			for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
				b[i], b[j] = b[j], b[i]
			}
			return NewState(b), nil
		})
		require.NoError(t, store.Register("reverse", rev))
		assert.Contains(t, store.Kinds(), "reverse")

		_, next, err := store.Commit(StateFromString("abc"), Operation{Kind: "reverse"})
		require.NoError(t, err)
		assert.Equal(t, "cba", next.String())
	})

	t.Run("applier error wraps invalid operation", func(t *testing.T) {
		cause := errors.New("boom")
		require.NoError(t, store.Register("fail", ApplierFunc(func(State, Operation) (State, error) {
			return State{}, cause
		})))
		_, _, err := store.Commit(State{}, Operation{Kind: "fail"})
		assert.ErrorIs(t, err, ErrInvalidOperation)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("rejects empty kind and nil applier", func(t *testing.T) {
		assert.ErrorIs(t, store.Register("", ApplierFunc(appendApplier)), ErrInvalidOperation)
		assert.ErrorIs(t, store.Register("x", nil), ErrInvalidOperation)
	})
}

func TestStore_ConcurrentCommit(t *testing.T) {
	store := NewStore(StoreConfig{DedupeCacheSize: 8})
	parent := StateFromString("base")

	var wg sync.WaitGroup
	results := make([]Digest, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, next, err := store.Commit(parent, Append("!"))
			if err == nil {
				results[i] = next.Digest()
			}
		}(i)
	}
	wg.Wait()

	want := StateFromString("base!").Digest()
	for _, d := range results {
		assert.Equal(t, want, d)
	}
}

// -----------------------------------------------------------------------------
// Patch Tests
// -----------------------------------------------------------------------------

func TestStore_Patch(t *testing.T) {
	store := NewStore(StoreConfig{})
	parent := StateFromString("alpha\nbeta\ngamma\n")

	t.Run("file diff", func(t *testing.T) {
		patch := "--- a/doc\n+++ b/doc\n@@ -1,3 +1,3 @@\n alpha\n-beta\n+BETA\n gamma\n"
		_, next, err := store.Commit(parent, Patch(patch))
		require.NoError(t, err)
		assert.Equal(t, "alpha\nBETA\ngamma\n", next.String())
	})

	t.Run("bare hunks", func(t *testing.T) {
		patch := "@@ -2,1 +2,2 @@\n beta\n+delta\n"
		_, next, err := store.Commit(parent, Patch(patch))
		require.NoError(t, err)
		assert.Equal(t, "alpha\nbeta\ndelta\ngamma\n", next.String())
	})

	t.Run("insertion into empty state", func(t *testing.T) {
		patch := "@@ -0,0 +1,2 @@\n+one\n+two\n"
		_, next, err := store.Commit(State{}, Patch(patch))
		require.NoError(t, err)
		assert.Equal(t, "one\ntwo", next.String())
	})

	t.Run("context mismatch", func(t *testing.T) {
		patch := "@@ -1,2 +1,2 @@\n alpha\n-BETA\n+beta\n"
		_, _, err := store.Commit(parent, Patch(patch))
		assert.ErrorIs(t, err, ErrInvalidOperation)
	})

	t.Run("hunk beyond end", func(t *testing.T) {
		patch := "@@ -40,1 +40,1 @@\n-x\n+y\n"
		_, _, err := store.Commit(parent, Patch(patch))
		assert.ErrorIs(t, err, ErrInvalidOperation)
	})

	t.Run("empty patch", func(t *testing.T) {
		_, _, err := store.Commit(parent, Patch("  \n"))
		assert.ErrorIs(t, err, ErrInvalidOperation)
	})

	t.Run("malformed patch", func(t *testing.T) {
		_, _, err := store.Commit(parent, Patch("not a diff"))
		assert.ErrorIs(t, err, ErrInvalidOperation)
	})
}

// -----------------------------------------------------------------------------
// Store.Replay Tests
// -----------------------------------------------------------------------------

func TestStore_Replay(t *testing.T) {
	store := NewStore(StoreConfig{})
	base := StateFromString("r")

	var records []UpdateRecord
	cur := base
	for i, op := range []Operation{Append("1"), Append("2"), Replace("x"), Append("3")} {
		rec, next, err := store.Commit(cur, op)
		require.NoError(t, err)
		records = append(records, rec.WithSeq(uint64(i+1)))
		cur = next
	}

	t.Run("reproduces final state", func(t *testing.T) {
		got, err := store.Replay(base, records)
		require.NoError(t, err)
		assert.Equal(t, "x3", got.String())
	})

	t.Run("empty run returns base", func(t *testing.T) {
		got, err := store.Replay(base, nil)
		require.NoError(t, err)
		assert.True(t, got.Equal(base))
	})

	t.Run("wrong base", func(t *testing.T) {
		_, err := store.Replay(StateFromString("other"), records)
		assert.ErrorIs(t, err, ErrStateMismatch)
	})

	t.Run("tampered result", func(t *testing.T) {
		bad := append([]UpdateRecord(nil), records...)
		bad[1].Result = StateFromString("nope").Digest()
		_, err := store.Replay(base, bad)
		assert.ErrorIs(t, err, ErrStateMismatch)
	})
}

func TestUpdateRecord_String(t *testing.T) {
	rec := UpdateRecord{Seq: 7, Op: Append("ab"), Parent: StateFromString("").Digest(), Result: StateFromString("ab").Digest()}
	s := rec.String()
	assert.True(t, strings.HasPrefix(s, "#7 append(2B) "))
}
