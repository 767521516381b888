package changes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_UserWins(t *testing.T) {
	userEdit := DataChange{Kind: KindAnnotationChanged, RecordID: "a"}
	autoRel := DataChange{Kind: KindRelationshipAdded, RelationshipID: "r1", SourceID: "a", TargetID: "b"}
	autoAI := DataChange{Kind: KindAIAnalysisUpdated, RecordID: "a"}

	res := Resolve([]Conflict{{
		ID:      "c1",
		Changes: []DataChange{autoRel, userEdit, autoAI},
	}})

	assert.Equal(t, StrategyUserWins, res.Strategy)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, KindAnnotationChanged, res.Accepted[0].Kind)
	assert.Len(t, res.Rejected, 2)
}

func TestResolve_AutomatedOnlyAccepted(t *testing.T) {
	res := Resolve([]Conflict{{
		ID: "c1",
		Changes: []DataChange{
			{Kind: KindAIAnalysisUpdated, RecordID: "a"},
			{Kind: KindRelationshipDeleted, RelationshipID: "r1"},
		},
	}})

	assert.Len(t, res.Accepted, 2)
	assert.Empty(t, res.Rejected)
}

func TestResolve_PerConflictPartition(t *testing.T) {
	// Rejection is scoped to the conflict carrying the user change:
	// automated changes in an unrelated conflict survive.
	res := Resolve([]Conflict{
		{
			ID: "contested",
			Changes: []DataChange{
				{Kind: KindAnnotationChanged, RecordID: "a"},
				{Kind: KindAIAnalysisUpdated, RecordID: "a"},
			},
		},
		{
			ID: "uncontested",
			Changes: []DataChange{
				{Kind: KindAIAnalysisUpdated, RecordID: "z"},
			},
		},
	})

	assert.Len(t, res.Accepted, 2)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, KindAIAnalysisUpdated, res.Rejected[0].Kind)
}

func TestResolve_TotalPolicy(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		res := Resolve(nil)
		assert.Empty(t, res.Accepted)
		assert.Empty(t, res.Rejected)
		assert.Equal(t, StrategyUserWins, res.Strategy)
	})

	t.Run("every change lands exactly once", func(t *testing.T) {
		conflicts := []Conflict{{
			ID: "c1",
			Changes: []DataChange{
				{Kind: KindAnnotationChanged, RecordID: "a"},
				{Kind: KindAnnotationChanged, RecordID: "b"},
				{Kind: KindNodeAdded, RecordID: "c"},
				{Kind: KindBulkImport},
			},
		}}

		res := Resolve(conflicts)
		assert.Equal(t, 4, len(res.Accepted)+len(res.Rejected))
	})
}
