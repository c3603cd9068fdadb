package execctx

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetagent/pkg/mask"
	"github.com/cuemby/fleetagent/pkg/types"
)

func newTestRoot(t *testing.T) *Context {
	t.Helper()
	m := mask.New(mask.DefaultMinimumLength)
	vars := NewVariableStore(m)
	root, err := NewRoot(context.Background(), Options{
		JobID:     "job-1",
		Masker:    m,
		Variables: vars,
	})
	require.NoError(t, err)
	return root
}

func TestStartIsIdempotentAndMonotonic(t *testing.T) {
	root := newTestRoot(t)
	root.Start()
	first := root.Record().StartTime

	time.Sleep(time.Millisecond)
	root.Start()
	assert.Equal(t, first, root.Record().StartTime, "second Start must not move an already-started record")
	assert.Equal(t, types.RecordInProgress, root.Record().State)
}

func TestCompleteDefaultsToSucceeded(t *testing.T) {
	root := newTestRoot(t)
	root.Start()
	root.Complete(types.ResultNone, "")
	rec := root.Record()
	assert.Equal(t, types.RecordCompleted, rec.State)
	assert.Equal(t, types.ResultSucceeded, rec.Result)
}

func TestCompleteIsIdempotent(t *testing.T) {
	root := newTestRoot(t)
	root.Start()
	root.Complete(types.ResultFailed, "")
	root.Complete(types.ResultSucceeded, "")
	assert.Equal(t, types.ResultFailed, root.Record().Result, "a second Complete call must not overwrite the first")
}

func TestWriteMasksAndNumbersLines(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, root.variables.Set("token", "supersecretvalue", true, false, false))

	line1 := root.Write("start", false)
	line2 := root.Write("using supersecretvalue now", true)
	assert.Equal(t, 1, line1)
	assert.Equal(t, 2, line2)

	data, err := os.ReadFile(root.paging.file.Name())
	require.NoError(t, err)
	assert.Contains(t, string(data), "using *** now")
	assert.NotContains(t, string(data), "supersecretvalue")
}

func TestAddIssueCapsAtTenPerSeverityButCountsAll(t *testing.T) {
	root := newTestRoot(t)
	for i := 0; i < 15; i++ {
		root.AddIssue(types.IssueError, "boom")
	}
	rec := root.Record()
	assert.Equal(t, 15, rec.ErrorCount)
	assert.Len(t, rec.Issues, 10)
}

func TestSetVariableRegistersSecretWithMasker(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, root.SetVariable("mySecret", "hunter2value", true, false, false, false))

	got := root.Write("the value is hunter2value", true)
	_ = got
	v, ok := root.variables.Get("mySecret")
	require.True(t, ok)
	assert.True(t, v.IsSecret)
	assert.Equal(t, "the value is ***", root.masker.Mask("the value is hunter2value"))
}

func TestSetVariableOutputPublishesToParent(t *testing.T) {
	root := newTestRoot(t)
	child, err := root.CreateChild("step-1", "Build", "build", false, false)
	require.NoError(t, err)

	require.NoError(t, child.SetVariable("result", "ok", false, true, false, false))

	v, ok := root.variables.Get("build.result")
	require.True(t, ok)
	assert.Equal(t, "ok", v.Value)
}

func TestExpandResolvesVariableReferences(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, root.variables.Set("greeting", "hello $(name)", false, false, false))
	require.NoError(t, root.variables.Set("name", "world", false, false, false))

	got, warnings := root.Expand("$(greeting)!")
	assert.Empty(t, warnings)
	assert.Equal(t, "hello world!", got)
}

func TestExpandDetectsCycles(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, root.variables.Set("a", "$(b)", false, false, false))
	require.NoError(t, root.variables.Set("b", "$(a)", false, false, false))

	_, warnings := root.Expand("$(a)")
	assert.NotEmpty(t, warnings)
}

func TestCancelTokenCancelsChildrenNotParent(t *testing.T) {
	root := newTestRoot(t)
	child, err := root.CreateChild("step-1", "Build", "build", false, false)
	require.NoError(t, err)

	child.CancelToken()
	select {
	case <-child.Done():
	default:
		t.Fatal("child should be cancelled")
	}
	select {
	case <-root.Done():
		t.Fatal("parent must not be cancelled by a child's CancelToken")
	default:
	}
}

func TestForceTaskCompleteUnblocksAfterGracePeriod(t *testing.T) {
	root := newTestRoot(t)
	start := time.Now()
	root.ForceTaskComplete()
	<-root.ForceCompleteDeadline()
	assert.GreaterOrEqual(t, time.Since(start), ForceCompleteGracePeriod)
}

func TestForceTaskCompleteCanBeCancelled(t *testing.T) {
	root := newTestRoot(t)
	root.ForceTaskComplete()
	root.CancelForceTaskCompletion()

	select {
	case <-root.ForceCompleteDeadline():
		t.Fatal("deadline must not fire once cancelled")
	case <-time.After(ForceCompleteGracePeriod + 50*time.Millisecond):
	}
}

func TestResultMergeDowngradesCorrectly(t *testing.T) {
	root := newTestRoot(t)
	root.SetResult(types.ResultSucceeded)
	root.SetResult(types.ResultSucceededWithIssues)
	root.SetResult(types.ResultSucceeded)
	assert.Equal(t, types.ResultSucceededWithIssues, root.Record().Result, "result must never regress to a better outcome")
}
