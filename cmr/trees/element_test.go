package trees

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mariusoe/inspectIT-sub007/cmr/common"
	"github.com/mariusoe/inspectIT-sub007/cmr/sizing"
)

func TestElement(t *testing.T) {
	t.Run("NewElement takes kind from payload", func(t *testing.T) {
		e := NewElement(1, 2, 3, 4, baseTime, &ExceptionPayload{ThrowableType: "java.lang.IllegalStateException"})
		assert.Equal(t, KindException, e.Kind)
		assert.NoError(t, e.Validate())

		bare := NewElement(2, 2, 3, 0, baseTime, nil)
		assert.Equal(t, KindUnknown, bare.Kind)
		assert.NoError(t, bare.Validate())
	})

	t.Run("Validate rejects reserved ids", func(t *testing.T) {
		assert.ErrorIs(t, NewElement(0, 1, 1, 0, baseTime, nil).Validate(), common.ErrUnassignedID)
		assert.ErrorIs(t, NewElement(1, MaxValidID+1, 1, 0, baseTime, nil).Validate(), common.ErrInvalidArgument)
		assert.NoError(t, NewElement(MaxValidID, MaxValidID, 1, 0, baseTime, nil).Validate())
	})

	t.Run("SQL and invocation accessors", func(t *testing.T) {
		sql := NewElement(1, 1, 1, 1, baseTime, &SQLPayload{SQL: "SELECT 1"})
		text, ok := sql.SQLText()
		assert.True(t, ok)
		assert.Equal(t, "SELECT 1", text)

		_, ok = timerElement(2, 1, 1, baseTime).SQLText()
		assert.False(t, ok)

		childless := NewElement(3, 1, 1, 1, baseTime, &InvocationPayload{})
		assert.True(t, childless.IsChildlessInvocation())
		nested := NewElement(4, 1, 1, 1, baseTime, &InvocationPayload{Children: []*Element{timerElement(0, 1, 1, baseTime)}})
		assert.False(t, nested.IsChildlessInvocation())
		assert.False(t, sql.IsChildlessInvocation())
	})

	t.Run("Matches", func(t *testing.T) {
		e := NewElement(10, 1, 2, 3, baseTime, &SQLPayload{SQL: "SELECT 1"})

		tests := []struct {
			name  string
			query *Query
			want  bool
		}{
			{"nil query", nil, true},
			{"empty query", NewQueryBuilder().Build(), true},
			{"agent", NewQueryBuilder().WithAgentID(1).Build(), true},
			{"other agent", NewQueryBuilder().WithAgentID(2).Build(), false},
			{"method", NewQueryBuilder().WithMethodID(3).Build(), true},
			{"kind set", NewQueryBuilder().WithKinds(KindTimer, KindSQLStatement).Build(), true},
			{"other kind", NewQueryBuilder().WithKinds(KindTimer).Build(), false},
			{"inclusive range", NewQueryBuilder().WithTimeRange(baseTime, baseTime).Build(), true},
			{"open start", NewQueryBuilder().WithTimeRange(time.Time{}, baseTime.Add(-time.Second)).Build(), false},
			{"sql", NewQueryBuilder().WithSQL("SELECT 1").Build(), true},
			{"other sql", NewQueryBuilder().WithSQL("SELECT 2").Build(), false},
			{"childless filter", NewQueryBuilder().OnlyInvocationsWithoutChildren().Build(), false},
			{"min id is exclusive", NewQueryBuilder().WithMinID(10).Build(), false},
			{"below min id", NewQueryBuilder().WithMinID(9).Build(), true},
			{"id set", NewQueryBuilder().WithIDs(10, 11).Build(), true},
			{"excluded id", NewQueryBuilder().WithoutIDs(10).Build(), false},
			{"restriction", NewQueryBuilder().WithRestriction(func(e *Element) bool { return e.MethodID == 3 }).Build(), true},
			{"failing restriction", NewQueryBuilder().
				WithRestriction(func(*Element) bool { return true }).
				WithRestriction(func(*Element) bool { return false }).Build(), false},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, e.Matches(tt.query))
			})
		}
	})

	t.Run("restriction runs after built-in constraints", func(t *testing.T) {
		called := 0
		q := NewQueryBuilder().WithAgentID(99).WithRestriction(func(*Element) bool {
			called++
			return true
		}).Build()
		assert.False(t, timerElement(1, 1, 1, baseTime).Matches(q))
		assert.Zero(t, called)
	})

	t.Run("ObjectSize grows with payload", func(t *testing.T) {
		profile, err := sizing.StandardProfile(64)
		require.NoError(t, err)
		est, err := sizing.NewEstimator(profile)
		require.NoError(t, err)

		bare := NewElement(1, 1, 1, 0, time.Time{}, nil)
		stamped := NewElement(1, 1, 1, 0, baseTime, nil)
		short := NewElement(1, 1, 1, 1, baseTime, &SQLPayload{SQL: "SELECT 1"})
		long := NewElement(1, 1, 1, 1, baseTime, &SQLPayload{SQL: "SELECT * FROM orders WHERE customer_id = ?"})

		bareSize, err := est.Estimate(bare)
		require.NoError(t, err)
		assert.Positive(t, bareSize)
		assert.Greater(t, stamped.ObjectSize(est), bareSize)
		assert.Greater(t, long.ObjectSize(est), short.ObjectSize(est))
		assert.Equal(t, short.ObjectSize(est), short.ObjectSize(est))
		assert.Zero(t, bareSize%8, "sizes are aligned")
	})

	t.Run("profiles change every estimate", func(t *testing.T) {
		standard, err := sizing.StandardProfile(64)
		require.NoError(t, err)
		alternate, err := sizing.AlternateProfile(64)
		require.NoError(t, err)
		std, err := sizing.NewEstimator(standard)
		require.NoError(t, err)
		alt, err := sizing.NewEstimator(alternate)
		require.NoError(t, err)

		payloads := []Payload{
			&TimerPayload{Count: 1},
			&SQLPayload{SQL: "SELECT 1", Parameters: []string{"a"}},
			&HTTPPayload{URI: "/orders", RequestMethod: "GET", Headers: map[string]string{"Accept": "*/*"}},
			&InvocationPayload{Children: []*Element{timerElement(0, 1, 1, baseTime)}},
			&ExceptionPayload{ThrowableType: "java.io.IOException", Message: "closed"},
			&CPUPayload{Count: 1},
			&MemoryPayload{},
		}
		for _, p := range payloads {
			e := NewElement(1, 1, 1, 1, baseTime, p)
			a, err := std.Estimate(e)
			require.NoError(t, err)
			b, err := alt.Estimate(e)
			require.NoError(t, err)
			assert.NotZero(t, p.ObjectSize(std), e.Kind.String())
			assert.NotEqual(t, a, b, e.Kind.String())
		}
	})

	t.Run("typed nil payloads only cost the header", func(t *testing.T) {
		profile, err := sizing.StandardProfile(64)
		require.NoError(t, err)
		est, err := sizing.NewEstimator(profile)
		require.NoError(t, err)

		header, err := est.Estimate(NewElement(1, 1, 1, 1, baseTime, nil))
		require.NoError(t, err)
		payloads := []Payload{
			(*TimerPayload)(nil),
			(*SQLPayload)(nil),
			(*HTTPPayload)(nil),
			(*InvocationPayload)(nil),
			(*ExceptionPayload)(nil),
			(*CPUPayload)(nil),
			(*MemoryPayload)(nil),
		}
		for _, p := range payloads {
			e := NewElement(1, 1, 1, 1, baseTime, p)
			require.NoError(t, e.Validate())
			var size uint64
			require.NotPanics(t, func() { size, err = est.Estimate(e) }, e.Kind.String())
			require.NoError(t, err)
			assert.Equal(t, header, size, e.Kind.String())
		}
	})

	t.Run("cyclic invocation sequences overflow", func(t *testing.T) {
		profile, err := sizing.StandardProfile(64)
		require.NoError(t, err)
		est, err := sizing.NewEstimator(profile)
		require.NoError(t, err)

		p := &InvocationPayload{}
		e := NewElement(1, 1, 1, 1, baseTime, p)
		p.Children = []*Element{timerElement(2, 1, 1, baseTime), e}

		_, err = est.Estimate(e)
		assert.ErrorIs(t, err, common.ErrSizeOverflow)
		assert.Equal(t, 2, p.NestedCount())
	})

	t.Run("deep invocation sequences overflow", func(t *testing.T) {
		profile, err := sizing.StandardProfile(64)
		require.NoError(t, err)
		est, err := sizing.NewEstimator(profile)
		require.NoError(t, err)

		leaf := NewElement(1, 1, 1, 1, baseTime, &InvocationPayload{})
		for i := 0; i <= MaxNestingDepth; i++ {
			leaf = NewElement(1, 1, 1, 1, baseTime, &InvocationPayload{Children: []*Element{leaf}})
		}
		_, err = est.Estimate(leaf)
		assert.ErrorIs(t, err, common.ErrSizeOverflow)
	})

	t.Run("shared children are sized per reference", func(t *testing.T) {
		profile, err := sizing.StandardProfile(64)
		require.NoError(t, err)
		est, err := sizing.NewEstimator(profile)
		require.NoError(t, err)

		shared := NewElement(2, 1, 1, 1, baseTime, &InvocationPayload{Children: []*Element{timerElement(3, 1, 1, baseTime)}})
		once := NewElement(1, 1, 1, 1, baseTime, &InvocationPayload{Children: []*Element{shared}})
		twice := NewElement(1, 1, 1, 1, baseTime, &InvocationPayload{Children: []*Element{shared, shared}})

		a, err := est.Estimate(once)
		require.NoError(t, err)
		b, err := est.Estimate(twice)
		require.NoError(t, err)
		assert.Greater(t, b, a)
		assert.Equal(t, 4, twice.Payload.(*InvocationPayload).NestedCount())
	})
}

func TestQueryBuilder(t *testing.T) {
	t.Run("built queries are independent of the builder", func(t *testing.T) {
		b := NewQueryBuilder().WithIDs(1, 2)
		q := b.Build()
		b.WithIDs(3).WithAgentID(5)

		ids, ok := q.IncludeIDs()
		require.True(t, ok)
		assert.Equal(t, []uint64{1, 2}, ids.ToArray())
		_, ok = q.AgentID()
		assert.False(t, ok)
	})

	t.Run("unconstrained", func(t *testing.T) {
		assert.True(t, Unconstrained().IsUnconstrained())
		assert.True(t, NewQueryBuilder().Build().IsUnconstrained())
		assert.True(t, NewQueryBuilder().WithRestriction(nil).Build().IsUnconstrained())
		assert.False(t, NewQueryBuilder().WithKinds().Build().IsUnconstrained())
	})

	t.Run("kinds", func(t *testing.T) {
		q := NewQueryBuilder().WithKinds(KindHTTPTimer, KindTimer).Build()
		kinds, ok := q.Kinds()
		require.True(t, ok)
		assert.Equal(t, []RecordKind{KindTimer, KindHTTPTimer}, kinds)
		assert.True(t, q.MatchesKind(KindHTTPTimer))
		assert.False(t, q.MatchesKind(KindUnknown))
	})

	t.Run("time range", func(t *testing.T) {
		assert.True(t, TimeRange{From: baseTime, To: baseTime.Add(-1)}.Empty())
		assert.False(t, TimeRange{From: baseTime}.Empty())
		assert.False(t, TimeRange{From: baseTime}.Bounded())
		assert.True(t, TimeRange{To: baseTime}.Contains(baseTime.Add(-time.Hour)))
	})
}
