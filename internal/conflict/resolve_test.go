package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexreport/api/internal/blocks"
)

func text(id string, order int, content string) blocks.Block {
	return blocks.Block{ID: id, Type: blocks.TypeText, Order: order, Payload: blocks.Text{Content: content}}
}

func ids(list []blocks.Block) []string {
	out := make([]string, 0, len(list))
	for _, b := range list {
		out = append(out, b.ID)
	}
	return out
}

func TestResolveConflictPrefersStrictlyNewerRemote(t *testing.T) {
	local := []blocks.Block{text("a", 0, "local")}
	remote := []blocks.Block{text("a", 0, "remote")}
	now := time.UnixMilli(1_700_000_000_000)

	got := ResolveConflict(local, remote, now, now.Add(time.Millisecond))
	require.Len(t, got, 1)
	assert.Same(t, &remote[0], &got[0], "newer remote must be returned as is")

	got = ResolveConflict(local, remote, now, now)
	assert.Same(t, &local[0], &got[0], "a timestamp tie keeps local")

	got = ResolveConflict(local, remote, now.Add(time.Second), now)
	assert.Same(t, &local[0], &got[0])
}

func TestMergeBothModifiedRemoteWins(t *testing.T) {
	base := []blocks.Block{text("a", 0, "x")}
	local := []blocks.Block{text("a", 0, "y")}
	remote := []blocks.Block{text("a", 0, "z")}

	got := MergeBlocks(local, remote, base)

	require.Len(t, got, 1)
	assert.True(t, blocks.Equal(text("a", 0, "z"), got[0]))
}

func TestMergeKeepsIndependentAdditionsSorted(t *testing.T) {
	local := []blocks.Block{text("b", 0, "")}
	remote := []blocks.Block{text("a", 0, "")}

	got := MergeBlocks(local, remote, nil)

	assert.Equal(t, []string{"a", "b"}, ids(got))
}

func TestMergeCollidingCreationRemoteWins(t *testing.T) {
	local := []blocks.Block{text("a", 0, "mine")}
	remote := []blocks.Block{text("a", 0, "theirs")}

	got := MergeBlocks(local, remote, []blocks.Block{})

	require.Len(t, got, 1)
	assert.Equal(t, "theirs", got[0].Payload.(blocks.Text).Content)
}

func TestMergeIsIdempotentAndIdentityOnEqualInputs(t *testing.T) {
	x := []blocks.Block{text("c", 2, "c"), text("a", 0, "a"), text("b", 1, "b")}
	other := []blocks.Block{text("zz", 9, "ignored")}

	first := MergeBlocks(x, x, other)
	second := MergeBlocks(x, x, other)

	assert.True(t, blocks.EqualLists(first, second))
	assert.True(t, blocks.EqualLists(blocks.Sorted(x), first))
	assert.Equal(t, []string{"c", "a", "b"}, ids(x), "inputs stay untouched")
}

func TestMergeIsIndependentOfPriorCalls(t *testing.T) {
	base := []blocks.Block{text("a", 0, "x"), text("b", 1, "x")}
	local := []blocks.Block{text("a", 0, "l"), text("c", 1, "new")}
	remote := []blocks.Block{text("b", 1, "r"), text("a", 0, "x")}

	want := MergeBlocks(local, remote, base)
	_ = MergeBlocks(remote, local, base)
	got := MergeBlocks(local, remote, base)

	assert.True(t, blocks.EqualLists(want, got))
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))
}

func TestMergeDeleteVersusEditResurrectsByDefault(t *testing.T) {
	base := []blocks.Block{text("a", 0, "x")}
	local := []blocks.Block{}
	remote := []blocks.Block{text("a", 0, "z")}

	got := MergeBlocks(local, remote, base)

	require.Len(t, got, 1)
	assert.Equal(t, "z", got[0].Payload.(blocks.Text).Content)
}

func TestMergeWithDeleteTracking(t *testing.T) {
	base := []blocks.Block{text("a", 0, "x"), text("b", 1, "x"), text("c", 2, "x")}
	// local deleted a and edited c; remote edited a and deleted c; nobody touched b
	local := []blocks.Block{text("b", 1, "x"), text("c", 2, "local edit")}
	remote := []blocks.Block{text("a", 0, "remote edit"), text("b", 1, "x")}

	got := MergeBlocks(local, remote, base, WithDeleteTracking())
	assert.Equal(t, []string{"a", "b", "c"}, ids(got), "edits win over concurrent deletes")

	// an untouched block deleted on one side stays deleted
	local = []blocks.Block{text("b", 1, "x"), text("c", 2, "x")}
	remote = []blocks.Block{text("a", 0, "x"), text("b", 1, "x")}
	got = MergeBlocks(local, remote, base, WithDeleteTracking())
	assert.Equal(t, []string{"b"}, ids(got))
}

func TestMergeSameIDLastOccurrenceWins(t *testing.T) {
	local := []blocks.Block{text("a", 0, "first"), text("a", 0, "second")}

	got := MergeBlocks(local, nil, nil)

	require.Len(t, got, 1)
	assert.Equal(t, "second", got[0].Payload.(blocks.Text).Content)
}
