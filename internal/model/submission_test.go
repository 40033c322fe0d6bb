package model_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/togi/internal/model"
)

func candidateIDs(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	return ids
}

func TestValidateStatementRankings_Valid(t *testing.T) {
	ids := candidateIDs(4)

	entries := []model.StatementRank{
		{StatementID: ids[2], Rank: 1},
		{StatementID: ids[0], Rank: 2},
		{StatementID: ids[3], Rank: 3},
		{StatementID: ids[1], Rank: 4},
	}
	require.NoError(t, model.ValidateStatementRankings(entries, ids))

	// Order of entries is irrelevant, only the rank values matter.
	entries = []model.StatementRank{
		{StatementID: ids[0], Rank: 4},
		{StatementID: ids[1], Rank: 3},
		{StatementID: ids[2], Rank: 2},
		{StatementID: ids[3], Rank: 1},
	}
	require.NoError(t, model.ValidateStatementRankings(entries, ids))
}

func TestValidateStatementRankings_Invalid(t *testing.T) {
	ids := candidateIDs(3)
	stranger := uuid.New()

	tests := []struct {
		name    string
		entries []model.StatementRank
		want    string
	}{
		{
			"too few entries",
			[]model.StatementRank{
				{StatementID: ids[0], Rank: 1},
				{StatementID: ids[1], Rank: 2},
			},
			"must cover all 3 statements",
		},
		{
			"too many entries",
			[]model.StatementRank{
				{StatementID: ids[0], Rank: 1},
				{StatementID: ids[1], Rank: 2},
				{StatementID: ids[2], Rank: 3},
				{StatementID: stranger, Rank: 4},
			},
			"must cover all 3 statements",
		},
		{
			"unknown statement",
			[]model.StatementRank{
				{StatementID: ids[0], Rank: 1},
				{StatementID: stranger, Rank: 2},
				{StatementID: ids[2], Rank: 3},
			},
			"not part of the current round",
		},
		{
			"duplicate statement",
			[]model.StatementRank{
				{StatementID: ids[0], Rank: 1},
				{StatementID: ids[0], Rank: 2},
				{StatementID: ids[2], Rank: 3},
			},
			"ranked more than once",
		},
		{
			"rank zero",
			[]model.StatementRank{
				{StatementID: ids[0], Rank: 0},
				{StatementID: ids[1], Rank: 1},
				{StatementID: ids[2], Rank: 2},
			},
			"out of range 1..3",
		},
		{
			"rank above count",
			[]model.StatementRank{
				{StatementID: ids[0], Rank: 1},
				{StatementID: ids[1], Rank: 2},
				{StatementID: ids[2], Rank: 4},
			},
			"out of range 1..3",
		},
		{
			"duplicate rank",
			[]model.StatementRank{
				{StatementID: ids[0], Rank: 1},
				{StatementID: ids[1], Rank: 1},
				{StatementID: ids[2], Rank: 3},
			},
			"assigned more than once",
		},
		{
			"empty",
			nil,
			"must cover all 3 statements",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := model.ValidateStatementRankings(tt.entries, ids)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStatementIsWinner(t *testing.T) {
	one, two := 1, 2

	s := model.Statement{}
	assert.False(t, s.IsWinner(), "unranked statement is not a winner")

	s.SocialRank = &two
	assert.False(t, s.IsWinner())

	s.SocialRank = &one
	assert.True(t, s.IsWinner())
}
