package detect

import (
	"sync"
	"testing"

	"vigil/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSnapshot_SkipsBrokenRecords(t *testing.T) {
	badRegex := simpleRule("bad-regex", core.NewCondition("user_id", core.OpRegex, "(unclosed"))
	emptyCompound := compoundRule("empty", core.GroupAnd)
	badWindow := basePolicy("bad-window", "failed-login")
	badWindow.TimeWindow = &core.TimeWindow{StartTime: "25:00", EndTime: "10:00", Timezone: "UTC"}
	dangling := basePolicy("dangling", "failed-login", "bad-regex")

	snap := newSnapshot(t,
		[]core.Rule{failedLoginRule(), badRegex, emptyCompound},
		[]core.Policy{badWindow, dangling, basePolicy("ok", "failed-login")})

	assert.Contains(t, snap.Skipped, "rule:bad-regex")
	assert.Contains(t, snap.Skipped, "rule:empty")
	assert.Contains(t, snap.Skipped, "policy:bad-window")
	assert.Contains(t, snap.Skipped, "policy:dangling")

	require.Len(t, snap.Policies, 1)
	assert.Equal(t, "ok", snap.Policies[0].Policy.ID)
}

func TestBuildSnapshot_PolicyWithMissingRuleNeverMatches(t *testing.T) {
	badRegex := simpleRule("bad-regex", core.NewCondition("user_id", core.OpRegex, "(unclosed"))
	strict := basePolicy("strict", "failed-login", "bad-regex")
	strict.MatchAll = true

	snap := newSnapshot(t, []core.Rule{failedLoginRule(), badRegex}, []core.Policy{strict})
	assert.Equal(t, "rule bad-regex is not loaded", snap.Skipped["policy:strict"])
	assert.Empty(t, snap.Policies, "a match_all policy must not fire on a subset of its rules")
}

func TestBuildSnapshot_SortsPolicies(t *testing.T) {
	snap := newSnapshot(t, []core.Rule{failedLoginRule()}, []core.Policy{
		basePolicy("c", "failed-login"),
		basePolicy("a", "failed-login"),
		basePolicy("b", "failed-login"),
	})
	var ids []string
	for _, p := range snap.Policies {
		ids = append(ids, p.Policy.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestBuildSnapshot_SharesCompiledRegexes(t *testing.T) {
	cache, err := NewRegexCache(8, 0)
	require.NoError(t, err)
	rule := simpleRule("re", core.NewCondition("ip_address", core.OpRegex, `^10\.`))

	BuildSnapshot(1, []core.Rule{rule}, nil, nil, cache)
	BuildSnapshot(2, []core.Rule{rule}, nil, nil, cache)
	assert.Equal(t, 1, cache.Len())
}

func TestSnapshotHolder_SwapIsAtomic(t *testing.T) {
	holder := NewSnapshotHolder()
	require.NotNil(t, holder.Load())
	assert.Empty(t, holder.Load().Policies)

	var wg sync.WaitGroup
	for v := uint64(1); v <= 20; v++ {
		wg.Add(2)
		go func(v uint64) {
			defer wg.Done()
			holder.Swap(&Snapshot{Version: v})
		}(v)
		go func() {
			defer wg.Done()
			assert.NotNil(t, holder.Load())
		}()
	}
	wg.Wait()

	prev := holder.Swap(&Snapshot{Version: 99})
	assert.NotNil(t, prev)
	assert.Equal(t, uint64(99), holder.Load().Version)
}
