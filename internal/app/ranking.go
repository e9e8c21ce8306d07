package app

import (
	"sort"

	"roundsync/internal/domain"
)

// RankStandings returns a ranked copy of entries. Quiz scores rank higher
// first, reaction scores (milliseconds) lower first; ties go to the lower
// response time, and entries without one sort after those that have one.
// Competition ranking: equal keys share a rank. DNF rows come last with
// rank 0, ordered by user id.
func RankStandings(entries []domain.ScoreEntry, game domain.GameType) []domain.ScoreEntry {
	ranked := make([]domain.ScoreEntry, 0, len(entries))
	var dnf []domain.ScoreEntry
	for _, e := range entries {
		if e.DNF {
			e.Rank = 0
			dnf = append(dnf, e)
			continue
		}
		ranked = append(ranked, e)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			if game == domain.GameReaction {
				return a.Score < b.Score
			}
			return a.Score > b.Score
		}
		if c := compareResponse(a.ResponseTimeMs, b.ResponseTimeMs); c != 0 {
			return c < 0
		}
		return a.UserUID < b.UserUID
	})
	for i := range ranked {
		if i > 0 && sameKey(ranked[i-1], ranked[i]) {
			ranked[i].Rank = ranked[i-1].Rank
			continue
		}
		ranked[i].Rank = i + 1
	}

	sort.Slice(dnf, func(i, j int) bool { return dnf[i].UserUID < dnf[j].UserUID })
	return append(ranked, dnf...)
}

func compareResponse(a, b *int64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	}
	return 0
}

func sameKey(a, b domain.ScoreEntry) bool {
	return a.Score == b.Score && compareResponse(a.ResponseTimeMs, b.ResponseTimeMs) == 0
}

// SynthesizeStandings builds a local final ranking from the last partial
// leaderboard and the best response times recorded during play.
//
// Policy for missing data:
//   - a cached best time fills a missing response time;
//   - a cached user absent from the partial board joins with score 0 (quiz)
//     or with the cached time as score (reaction);
//   - a reaction entry with neither a score nor a time is DNF.
func SynthesizeStandings(partial []domain.ScoreEntry, best map[string]int64, game domain.GameType) []domain.ScoreEntry {
	seen := make(map[string]bool, len(partial))
	out := make([]domain.ScoreEntry, 0, len(partial)+len(best))
	for _, e := range partial {
		e.Rank = 0
		e.DNF = false
		if ms, ok := best[e.UserUID]; ok && e.ResponseTimeMs == nil {
			e.ResponseTimeMs = int64Ptr(ms)
		}
		if game == domain.GameReaction && e.Score <= 0 {
			if e.ResponseTimeMs != nil {
				e.Score = *e.ResponseTimeMs
			} else {
				e.DNF = true
			}
		}
		seen[e.UserUID] = true
		out = append(out, e)
	}

	users := make([]string, 0, len(best))
	for uid := range best {
		if !seen[uid] {
			users = append(users, uid)
		}
	}
	sort.Strings(users)
	for _, uid := range users {
		ms := best[uid]
		e := domain.ScoreEntry{UserUID: uid, ResponseTimeMs: int64Ptr(ms)}
		if game == domain.GameReaction {
			e.Score = ms
		}
		out = append(out, e)
	}
	return RankStandings(out, game)
}

func int64Ptr(v int64) *int64 {
	return &v
}
