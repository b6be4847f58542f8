package relationship

// Tier is a score-derived friendship bucket.
type Tier int

// Tiers in ascending order of trust.
const (
	Stranger     Tier = iota // 0-4
	Acquaintance             // 5-19
	Friend                   // 20-49
	BestFriend               // 50-100
)

// Score thresholds used outside tier bucketing.
const (
	// TrustedForwardScore is the minimum score at which the persona
	// trusts a contact enough to act on forwarded requests.
	TrustedForwardScore = 20
	// GossipFanoutScore is the minimum score for a contact to be told
	// about new gossip.
	GossipFanoutScore = 10
)

// TierOf buckets a score. The ranges are contiguous and cover every
// clamped score.
func TierOf(score int) Tier {
	switch {
	case score >= 50:
		return BestFriend
	case score >= 20:
		return Friend
	case score >= 5:
		return Acquaintance
	default:
		return Stranger
	}
}

// TrustedForward reports whether score is high enough for trusted
// forwards.
func TrustedForward(score int) bool {
	return score >= TrustedForwardScore
}

func (t Tier) String() string {
	switch t {
	case Stranger:
		return "stranger"
	case Acquaintance:
		return "acquaintance"
	case Friend:
		return "friend"
	case BestFriend:
		return "bestFriend"
	default:
		return "unknown"
	}
}

// AtLeast reports whether t is at or above other.
func (t Tier) AtLeast(other Tier) bool {
	return t >= other
}
