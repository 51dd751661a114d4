package cache

import "fmt"

// Cache keys are derived deterministically from the operation name and its
// parameters so identical requests share entries across users. The prefix
// helpers exist for targeted invalidation.

func PageKey(pageID, format string) string {
	return fmt.Sprintf("page:%s:%s", pageID, format)
}

func PagePrefix(pageID string) string {
	return fmt.Sprintf("page:%s:", pageID)
}

func ChildrenKey(pageID string) string {
	return fmt.Sprintf("children:%s", pageID)
}

func SpacesKey() string {
	return "spaces"
}

func SpaceIDKey(spaceKey string) string {
	return fmt.Sprintf("space-id:%s", spaceKey)
}

func SpacePagesKey(spaceKey string) string {
	return fmt.Sprintf("space-pages:%s", spaceKey)
}

func SpacePrefix(spaceKey string) string {
	return fmt.Sprintf("space-pages:%s", spaceKey)
}

// UserPagesKey embeds the profile fingerprint so any grant or exclusion change
// lands on a fresh key without an explicit invalidation call.
func UserPagesKey(userID, fingerprint string) string {
	return fmt.Sprintf("user-pages:%s:%s", userID, fingerprint)
}

func UserPrefix(userID string) string {
	return fmt.Sprintf("user-pages:%s:", userID)
}
