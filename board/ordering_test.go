package board

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindspace-board/domain"
)

func threeGroupBoard() ([]domain.Task, []domain.Group) {
	groups := []domain.Group{
		{ID: "g1", ListID: "l1", Index: 0},
		{ID: "g2", ListID: "l1", Index: 1},
		{ID: "g3", ListID: "l2", Index: 0},
	}
	tasks := []domain.Task{
		{ID: "a", ListID: "l1", GroupID: "g1", GroupIndex: 0, Index: 0},
		{ID: "b", ListID: "l1", GroupID: "g1", GroupIndex: 1, Index: 1},
		{ID: "c", ListID: "l1", GroupID: "g1", GroupIndex: 2, Index: 2},
		{ID: "d", ListID: "l1", GroupID: "g2", GroupIndex: 0, Index: 3},
		{ID: "u", ListID: "l1", GroupIndex: domain.UnsetIndex, Index: 4},
	}
	return tasks, groups
}

func applyPlan(tasks, planned []domain.Task) []domain.Task {
	out := make([]domain.Task, len(tasks))
	copy(out, tasks)
	for _, p := range planned {
		for i := range out {
			if out[i].ID == p.ID {
				out[i] = p
			}
		}
	}
	return out
}

func TestMoveTask_AcrossGroups(t *testing.T) {
	tasks, groups := threeGroupBoard()

	planned, err := MoveTask(tasks, groups, "b", "g1", "g2", 0)
	require.NoError(t, err)
	require.Equal(t, "b", planned[0].ID)
	assert.Equal(t, "g2", planned[0].GroupID)
	assert.Equal(t, 0, planned[0].GroupIndex)
	assert.Equal(t, 0, planned[0].Index)

	after := BuildGroups(applyPlan(tasks, planned), groups, "l1")
	assert.Equal(t, []string{"a", "c"}, after[1].TaskIDs)
	assert.Equal(t, []string{"b", "d"}, after[2].TaskIDs)
	assertIndexComplete(t, after)
}

func TestMoveTask_WithinGroup(t *testing.T) {
	tasks, groups := threeGroupBoard()

	planned, err := MoveTask(tasks, groups, "a", "g1", "g1", 2)
	require.NoError(t, err)

	after := BuildGroups(applyPlan(tasks, planned), groups, "l1")
	assert.Equal(t, []string{"b", "c", "a"}, after[1].TaskIDs)
	assertIndexComplete(t, after)
}

func TestMoveTask_IntoAndOutOfUncategorized(t *testing.T) {
	tasks, groups := threeGroupBoard()

	planned, err := MoveTask(tasks, groups, "u", domain.UncategorizedGroupID, "g2", 1)
	require.NoError(t, err)
	tasks = applyPlan(tasks, planned)
	after := BuildGroups(tasks, groups, "l1")
	assert.Empty(t, after[0].TaskIDs)
	assert.Equal(t, []string{"d", "u"}, after[2].TaskIDs)

	planned, err = MoveTask(tasks, groups, "d", "g2", domain.UncategorizedGroupID, 0)
	require.NoError(t, err)
	assert.Equal(t, "", planned[0].GroupID)
	after = BuildGroups(applyPlan(tasks, planned), groups, "l1")
	assert.Equal(t, []string{"d"}, after[0].TaskIDs)
	assert.Equal(t, []string{"u"}, after[2].TaskIDs)
	assertIndexComplete(t, after)
}

func TestMoveTask_ToOtherListChangesList(t *testing.T) {
	tasks, groups := threeGroupBoard()

	planned, err := MoveTask(tasks, groups, "d", "g2", "g3", 0)
	require.NoError(t, err)
	assert.Equal(t, "l2", planned[0].ListID)
	assert.Equal(t, "g3", planned[0].GroupID)
}

func TestMoveTask_RejectsInvalidMoves(t *testing.T) {
	tasks, groups := threeGroupBoard()
	before := make([]domain.Task, len(tasks))
	for i := range tasks {
		before[i] = tasks[i].Clone()
	}

	cases := []struct {
		name     string
		task     string
		src, dst string
		index    int
		want     error
	}{
		{"unknown source", "a", "nope", "g2", 0, ErrGroupNotFound},
		{"unknown destination", "a", "g1", "nope", 0, ErrGroupNotFound},
		{"unknown task", "zz", "g1", "g2", 0, ErrTaskNotFound},
		{"wrong source", "a", "g2", "g1", 0, ErrNotInSourceGroup},
		{"negative index", "a", "g1", "g2", -1, ErrIndexOutOfRange},
		{"index past end", "a", "g1", "g2", 2, ErrIndexOutOfRange},
		{"same group past end", "a", "g1", "g1", 3, ErrIndexOutOfRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			planned, err := MoveTask(tasks, groups, tc.task, tc.src, tc.dst, tc.index)
			require.ErrorIs(t, err, tc.want)
			assert.Nil(t, planned)
			assert.Equal(t, before, tasks)
		})
	}
}

func TestMoveTask_RandomSequenceKeepsIndexesComplete(t *testing.T) {
	tasks, groups := threeGroupBoard()
	tasks = append(tasks,
		domain.Task{ID: "x", ListID: "l2", GroupID: "g3", GroupIndex: 0},
		domain.Task{ID: "y", ListID: "l2", GroupID: "g3", GroupIndex: 1},
	)
	groupIDs := []string{domain.UncategorizedGroupID, "g1", "g2", "g3"}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		task := tasks[rng.Intn(len(tasks))]
		src := task.GroupID
		if src == "" {
			src = domain.UncategorizedGroupID
		}
		dst := groupIDs[rng.Intn(len(groupIDs))]
		planned, err := MoveTask(tasks, groups, task.ID, src, dst, rng.Intn(4))
		if err != nil {
			require.ErrorIs(t, err, ErrIndexOutOfRange)
			continue
		}
		tasks = applyPlan(tasks, planned)
		for _, list := range []string{"l1", "l2"} {
			assertIndexComplete(t, BuildGroups(tasks, groups, list))
		}
	}
}

func TestReorderTasks(t *testing.T) {
	tasks := []domain.Task{{ID: "a", Index: 0}, {ID: "b", Index: 1}, {ID: "c", Index: 2}}

	out, err := ReorderTasks(tasks, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, taskIDs(out))
	for i, task := range out {
		assert.Equal(t, i, task.Index)
	}
	assert.Equal(t, "a", tasks[0].ID)

	_, err = ReorderTasks(tasks, 0, 3)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = ReorderTasks(tasks, -1, 0)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func assertIndexComplete(t *testing.T, groups []OrderedGroup) {
	t.Helper()
	for _, g := range groups {
		idx := make([]int, 0, len(g.Tasks))
		for _, task := range g.Tasks {
			if task.HasGroupIndex() {
				idx = append(idx, task.GroupIndex)
			}
		}
		if len(idx) != len(g.Tasks) {
			continue
		}
		sort.Ints(idx)
		for i, v := range idx {
			require.Equal(t, i, v, "group %s indexes %v", g.ID, idx)
		}
	}
}
