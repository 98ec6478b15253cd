package chat

import "strings"

// GroupKey returns the canonical name for the conversation group between
// two users. The key is order independent: both participants derive the
// same key regardless of who opened the thread. Usernames are lowercased
// and joined with "~", smaller name first (ordinal comparison). The
// format must stay stable — persisted group records are keyed by it.
func GroupKey(a, b string) string {
	la := strings.ToLower(a)
	lb := strings.ToLower(b)
	if la < lb {
		return la + "~" + lb
	}
	return lb + "~" + la
}
