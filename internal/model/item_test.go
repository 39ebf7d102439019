package model

import (
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkItem_AllPhasesPending(t *testing.T) {
	t.Parallel()

	item := NewWorkItem("123 Main St, Springfield, IL 62701")

	assert.Len(t, item.Phases, len(Phases))
	for _, name := range Phases {
		require.Contains(t, item.Phases, name)
		assert.Equal(t, StatusPending, item.Phases[name].Status)
	}
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, ItemID("123 Main St, Springfield, IL 62701"), item.ID)
}

func TestPhaseState_StartTransitions(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()

	t.Run("pending starts", func(t *testing.T) {
		t.Parallel()
		p := &PhaseState{Status: StatusPending}
		require.NoError(t, p.Start(now))
		assert.Equal(t, StatusInProgress, p.Status)
		assert.Equal(t, 0, p.RetryCount)
		require.NotNil(t, p.StartedAt)
	})

	t.Run("failed restart keeps retry count", func(t *testing.T) {
		t.Parallel()
		p := &PhaseState{Status: StatusFailed, Error: "boom", ErrorCategory: CategoryTransient, RetryCount: 1}
		require.NoError(t, p.Start(now))
		assert.Equal(t, StatusInProgress, p.Status)
		assert.Equal(t, 1, p.RetryCount, "the budget is consumed at failure time, not on restart")
		assert.Empty(t, p.Error, "restart clears the previous error")
	})

	t.Run("completed never restarts", func(t *testing.T) {
		t.Parallel()
		p := &PhaseState{Status: StatusCompleted}
		err := p.Start(now)
		require.Error(t, err)
		assert.True(t, eris.Is(err, ErrInvalidTransition))
	})

	t.Run("in_progress cannot start again", func(t *testing.T) {
		t.Parallel()
		p := &PhaseState{Status: StatusInProgress}
		err := p.Start(now)
		require.Error(t, err)
		assert.True(t, eris.Is(err, ErrInvalidTransition))
	})
}

func TestPhaseState_CompleteAndFail(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()

	t.Run("complete requires in_progress", func(t *testing.T) {
		t.Parallel()
		p := &PhaseState{Status: StatusPending}
		assert.True(t, eris.Is(p.Complete(now), ErrInvalidTransition))
	})

	t.Run("fail records message and category", func(t *testing.T) {
		t.Parallel()
		p := &PhaseState{Status: StatusInProgress}
		require.NoError(t, p.Fail(now, "boom", CategoryUnknown))
		assert.Equal(t, StatusFailed, p.Status)
		assert.Equal(t, "boom", p.Error)
		assert.Equal(t, CategoryUnknown, p.ErrorCategory)
		assert.Equal(t, 1, p.RetryCount, "each failure consumes one retry")
		require.NotNil(t, p.FailedAt)
	})

	t.Run("fail requires in_progress", func(t *testing.T) {
		t.Parallel()
		p := &PhaseState{Status: StatusCompleted}
		assert.True(t, eris.Is(p.Fail(now, "boom", CategoryUnknown), ErrInvalidTransition))
	})
}

func TestWorkItem_ComputeStatus(t *testing.T) {
	t.Parallel()
	const maxRetries = 3

	set := func(item *WorkItem, phase string, st Status) {
		item.Phases[phase].Status = st
	}

	t.Run("all pending", func(t *testing.T) {
		t.Parallel()
		item := NewWorkItem("a")
		assert.Equal(t, StatusPending, item.ComputeStatus(maxRetries))
	})

	t.Run("all completed", func(t *testing.T) {
		t.Parallel()
		item := NewWorkItem("a")
		for _, name := range Phases {
			set(item, name, StatusCompleted)
		}
		assert.Equal(t, StatusCompleted, item.ComputeStatus(maxRetries))
	})

	t.Run("skipped counts as terminal", func(t *testing.T) {
		t.Parallel()
		item := NewWorkItem("a")
		for _, name := range Phases {
			set(item, name, StatusCompleted)
		}
		set(item, PhaseDedupe, StatusSkipped)
		assert.Equal(t, StatusCompleted, item.ComputeStatus(maxRetries))
	})

	t.Run("any in_progress wins over pending", func(t *testing.T) {
		t.Parallel()
		item := NewWorkItem("a")
		set(item, PhasePrefill, StatusInProgress)
		assert.Equal(t, StatusInProgress, item.ComputeStatus(maxRetries))
	})

	t.Run("non-transient failure fails the item", func(t *testing.T) {
		t.Parallel()
		item := NewWorkItem("a")
		item.Phases[PhasePrefill].Status = StatusFailed
		item.Phases[PhasePrefill].ErrorCategory = CategoryUnknown
		item.Phases[PhasePrefill].RetryCount = 1
		assert.Equal(t, StatusFailed, item.ComputeStatus(maxRetries))
	})

	t.Run("transient failure past ceiling fails the item", func(t *testing.T) {
		t.Parallel()
		item := NewWorkItem("a")
		item.Phases[PhasePrefill].Status = StatusFailed
		item.Phases[PhasePrefill].ErrorCategory = CategoryTransient
		item.Phases[PhasePrefill].RetryCount = maxRetries
		assert.Equal(t, StatusFailed, item.ComputeStatus(maxRetries))
	})

	t.Run("transient failure under budget leaves item in_progress", func(t *testing.T) {
		t.Parallel()
		item := NewWorkItem("a")
		item.Phases[PhaseListing].Status = StatusFailed
		item.Phases[PhaseListing].ErrorCategory = CategoryTransient
		item.Phases[PhaseListing].RetryCount = 1
		item.Phases[PhasePhotos].Status = StatusCompleted
		assert.Equal(t, StatusInProgress, item.ComputeStatus(maxRetries))
	})
}

func TestWorkItem_Retriable(t *testing.T) {
	t.Parallel()
	const maxRetries = 3

	t.Run("fresh item is retriable", func(t *testing.T) {
		t.Parallel()
		item := NewWorkItem("a")
		assert.True(t, item.Retriable(maxRetries))
	})

	t.Run("complete item is not", func(t *testing.T) {
		t.Parallel()
		item := NewWorkItem("a")
		for _, name := range Phases {
			item.Phases[name].Status = StatusCompleted
		}
		assert.False(t, item.Retriable(maxRetries))
	})

	t.Run("permanent failure is not", func(t *testing.T) {
		t.Parallel()
		item := NewWorkItem("a")
		item.Phases[PhasePrefill].Status = StatusFailed
		item.Phases[PhasePrefill].ErrorCategory = CategoryPermanent
		assert.False(t, item.Retriable(maxRetries))
	})

	t.Run("transient under ceiling is", func(t *testing.T) {
		t.Parallel()
		item := NewWorkItem("a")
		item.Phases[PhasePrefill].Status = StatusFailed
		item.Phases[PhasePrefill].ErrorCategory = CategoryTransient
		item.Phases[PhasePrefill].RetryCount = 2
		assert.True(t, item.Retriable(maxRetries))
	})

	t.Run("transient at ceiling is not", func(t *testing.T) {
		t.Parallel()
		item := NewWorkItem("a")
		item.Phases[PhasePrefill].Status = StatusFailed
		item.Phases[PhasePrefill].ErrorCategory = CategoryTransient
		item.Phases[PhasePrefill].RetryCount = maxRetries
		assert.False(t, item.Retriable(maxRetries))
	})
}

func TestWorkItem_LogErrorBounded(t *testing.T) {
	t.Parallel()

	item := NewWorkItem("a")
	now := time.Now().UTC()
	for i := 0; i < MaxErrorLog+5; i++ {
		item.LogError(PhasePrefill, "boom", CategoryTransient, now)
	}
	assert.Len(t, item.ErrorLog, MaxErrorLog)
}

func TestComputeSummary_InvariantTotal(t *testing.T) {
	t.Parallel()

	items := map[string]*WorkItem{}
	for _, addr := range []string{"1 A St", "2 B St", "3 C St", "4 D St"} {
		items[ItemID(addr)] = NewWorkItem(addr)
	}

	// One completed, one failed, two pending.
	first := items[ItemID("1 A St")]
	for _, name := range Phases {
		first.Phases[name].Status = StatusCompleted
	}
	first.Tier = TierA
	second := items[ItemID("2 B St")]
	second.Phases[PhasePrefill].Status = StatusFailed
	second.Phases[PhasePrefill].ErrorCategory = CategoryPermanent

	sum := ComputeSummary(items, 3, time.Now().UTC())
	assert.Equal(t, len(items), sum.Total())
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 2, sum.Pending)
	assert.Equal(t, 1, sum.Tiers[string(TierA)])
}
