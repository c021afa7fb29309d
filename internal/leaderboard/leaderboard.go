// Package leaderboard orders leaderboard snapshots pushed by the session service.
//
// Entries are sorted by score in descending order, ties broken by ascending elapsed time and
// finally by participant id, so the order is total. Rank is the 1-based position after sorting
// and is recomputed on every snapshot.
package leaderboard

import (
	"slices"
	"strings"

	"github.com/victornm/codeduel/internal/domain"
)

// Rank returns a sorted copy of entries with Rank assigned. The input is left untouched.
func Rank(entries []domain.LeaderboardEntry) []domain.LeaderboardEntry {
	ranked := slices.Clone(entries)
	if ranked == nil {
		ranked = []domain.LeaderboardEntry{}
	}

	slices.SortStableFunc(ranked, Compare)
	for i := range ranked {
		ranked[i].Rank = i + 1
	}

	return ranked
}

// Compare orders a before b when a ranks higher.
func Compare(a, b domain.LeaderboardEntry) int {
	if c := b.Score.Cmp(a.Score); c != 0 {
		return c
	}

	if a.Elapsed != b.Elapsed {
		if a.Elapsed < b.Elapsed {
			return -1
		}
		return 1
	}

	if c := strings.Compare(key(a), key(b)); c != 0 {
		return c
	}

	return 0
}

func key(e domain.LeaderboardEntry) string {
	if e.ParticipantID != "" {
		return e.ParticipantID
	}
	return e.Username
}

// Equal reports whether two ranked snapshots show the same standings.
func Equal(a, b []domain.LeaderboardEntry) bool {
	return slices.EqualFunc(a, b, func(x, y domain.LeaderboardEntry) bool {
		return x.ParticipantID == y.ParticipantID &&
			x.Username == y.Username &&
			x.ProblemsSolved == y.ProblemsSolved &&
			x.Elapsed == y.Elapsed &&
			x.Score.Equal(y.Score) &&
			x.Rank == y.Rank
	})
}
