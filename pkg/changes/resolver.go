package changes

// Conflict resolution between concurrently produced changes.
//
// The app's automated pipeline (relationship inference, AI analysis) and the
// user can touch the same records at the same time. The policy is fixed and
// total: user-initiated changes always win, automated changes that collide
// with an accepted user change are rejected, and conflicts containing only
// automated changes are accepted wholesale. No conflict is ever unresolvable.

// StrategyUserWins names the only resolution strategy currently implemented.
const StrategyUserWins = "user_wins"

// Conflict groups changes that touch the same records concurrently.
type Conflict struct {
	ID      string       `json:"id"`
	Changes []DataChange `json:"changes"`
}

// Resolution is the outcome of resolving a batch of conflicts.
type Resolution struct {
	Accepted []DataChange `json:"accepted"`
	Rejected []DataChange `json:"rejected"`
	Strategy string       `json:"strategy"`
}

// Resolve adjudicates conflicts with the user-wins policy.
//
// For each conflict, changes are partitioned into user-initiated vs automated
// by kind (see DataChange.IsUserInitiated). All user-initiated changes are
// accepted. Automated changes are rejected when the same conflict carries an
// accepted user change, and accepted otherwise.
//
// The policy is total: every input change lands in exactly one of the output
// lists and no error is possible.
func Resolve(conflicts []Conflict) Resolution {
	res := Resolution{Strategy: StrategyUserWins}

	for _, conflict := range conflicts {
		var user, automated []DataChange
		for _, change := range conflict.Changes {
			if change.IsUserInitiated() {
				user = append(user, change)
			} else {
				automated = append(automated, change)
			}
		}

		res.Accepted = append(res.Accepted, user...)
		if len(user) > 0 {
			res.Rejected = append(res.Rejected, automated...)
		} else {
			res.Accepted = append(res.Accepted, automated...)
		}
	}

	return res
}
