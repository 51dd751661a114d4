package access

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
)

// PageGrant grants visibility to one page, and to its whole subtree when
// IncludeDescendants is set.
type PageGrant struct {
	PageID             string `json:"pageId"`
	IncludeDescendants bool   `json:"includeDescendants"`
}

// PageExclusion revokes visibility from one page, and from its whole subtree
// when ExcludeDescendants is set. Exclusions always dominate grants.
type PageExclusion struct {
	PageID             string `json:"pageId"`
	ExcludeDescendants bool   `json:"excludeDescendants"`
}

// Profile is the access record attached to one user. A profile with no
// grants confers no visibility at all.
type Profile struct {
	SpaceGrants []string        `json:"spaceGrants"`
	PageGrants  []PageGrant     `json:"pageGrants"`
	Exclusions  []PageExclusion `json:"exclusions"`
}

// HasAccess reports whether the profile grants anything. Exclusions alone
// grant nothing.
func (p Profile) HasAccess() bool {
	return len(p.SpaceGrants) > 0 || len(p.PageGrants) > 0
}

// IsExcluded reports whether pageID is directly listed in the exclusions.
func (p Profile) IsExcluded(pageID string) bool {
	for _, exclusion := range p.Exclusions {
		if exclusion.PageID == pageID {
			return true
		}
	}
	return false
}

// HasPageGrant reports whether pageID is directly granted.
func (p Profile) HasPageGrant(pageID string) bool {
	for _, grant := range p.PageGrants {
		if grant.PageID == pageID {
			return true
		}
	}
	return false
}

// HasSpaceGrant reports whether the whole space is granted.
func (p Profile) HasSpaceGrant(spaceKey string) bool {
	for _, key := range p.SpaceGrants {
		if key == spaceKey {
			return true
		}
	}
	return false
}

// Fingerprint hashes the canonical serialization of the three collections.
// Identical content always produces the identical fingerprint regardless of
// element order, so cache keys derived from it invalidate exactly when the
// profile changes.
func (p Profile) Fingerprint() string {
	spaces := append([]string(nil), p.SpaceGrants...)
	sort.Strings(spaces)

	grants := append([]PageGrant(nil), p.PageGrants...)
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].PageID != grants[j].PageID {
			return grants[i].PageID < grants[j].PageID
		}
		return !grants[i].IncludeDescendants && grants[j].IncludeDescendants
	})

	exclusions := append([]PageExclusion(nil), p.Exclusions...)
	sort.Slice(exclusions, func(i, j int) bool {
		if exclusions[i].PageID != exclusions[j].PageID {
			return exclusions[i].PageID < exclusions[j].PageID
		}
		return !exclusions[i].ExcludeDescendants && exclusions[j].ExcludeDescendants
	})

	// Each field is length-prefixed so delimiter characters inside an ID
	// cannot make two distinct profiles serialize identically.
	h := fnv.New64a()
	for _, key := range spaces {
		fmt.Fprintf(h, "space:%d:%s|", len(key), key)
	}
	for _, grant := range grants {
		fmt.Fprintf(h, "grant:%d:%s:%t|", len(grant.PageID), grant.PageID, grant.IncludeDescendants)
	}
	for _, exclusion := range exclusions {
		fmt.Fprintf(h, "exclude:%d:%s:%t|", len(exclusion.PageID), exclusion.PageID, exclusion.ExcludeDescendants)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// FromUntyped decodes a stored profile record leniently: each of the three
// collections degrades to empty when its shape is wrong, with a warning, so
// bad stored data reduces access instead of failing the evaluator.
func FromUntyped(userID string, raw map[string]any, logger *slog.Logger) Profile {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	profile := Profile{}
	if raw == nil {
		return profile
	}

	profile.SpaceGrants = decodeSpaceGrants(userID, raw["spaceGrants"], logger)

	for _, entry := range decodeRuleList(userID, "pageGrants", raw["pageGrants"], "includeDescendants", logger) {
		profile.PageGrants = append(profile.PageGrants, PageGrant{
			PageID:             entry.pageID,
			IncludeDescendants: entry.flag,
		})
	}
	for _, entry := range decodeRuleList(userID, "exclusions", raw["exclusions"], "excludeDescendants", logger) {
		profile.Exclusions = append(profile.Exclusions, PageExclusion{
			PageID:             entry.pageID,
			ExcludeDescendants: entry.flag,
		})
	}
	return profile
}

func decodeSpaceGrants(userID string, value any, logger *slog.Logger) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return []string{trimmed}
		}
		return nil
	case []any:
		var keys []string
		for _, item := range v {
			key, ok := item.(string)
			if !ok {
				logger.Warn("skipping non-string space grant",
					slog.String("user_id", userID), slog.Any("value", item))
				continue
			}
			if trimmed := strings.TrimSpace(key); trimmed != "" {
				keys = append(keys, trimmed)
			}
		}
		return keys
	case []string:
		var keys []string
		for _, key := range v {
			if trimmed := strings.TrimSpace(key); trimmed != "" {
				keys = append(keys, trimmed)
			}
		}
		return keys
	default:
		logger.Warn("invalid space grants shape, treating as empty",
			slog.String("user_id", userID), slog.Any("value", value))
		return nil
	}
}

type pageRule struct {
	pageID string
	flag   bool
}

func decodeRuleList(userID, field string, value any, flagKey string, logger *slog.Logger) []pageRule {
	if value == nil {
		return nil
	}
	items, ok := value.([]any)
	if !ok {
		logger.Warn("invalid profile field shape, treating as empty",
			slog.String("user_id", userID), slog.String("field", field), slog.Any("value", value))
		return nil
	}

	var rules []pageRule
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			logger.Warn("skipping malformed profile entry",
				slog.String("user_id", userID), slog.String("field", field), slog.Any("value", item))
			continue
		}
		pageID, ok := lookupString(entry, "pageId", "page_id")
		if !ok || pageID == "" {
			logger.Warn("skipping profile entry without page id",
				slog.String("user_id", userID), slog.String("field", field))
			continue
		}
		flag, ok := lookupBool(entry, flagKey, camelToSnake(flagKey))
		if !ok {
			logger.Warn("skipping profile entry with malformed descendants flag",
				slog.String("user_id", userID), slog.String("field", field), slog.String("page_id", pageID))
			continue
		}
		rules = append(rules, pageRule{pageID: pageID, flag: flag})
	}
	return rules
}

func lookupString(entry map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if value, ok := entry[key]; ok {
			s, ok := value.(string)
			return strings.TrimSpace(s), ok
		}
	}
	return "", false
}

func lookupBool(entry map[string]any, keys ...string) (bool, bool) {
	for _, key := range keys {
		if value, ok := entry[key]; ok {
			b, ok := value.(bool)
			return b, ok
		}
	}
	// An absent flag means the rule applies to the page alone.
	return false, true
}

func camelToSnake(key string) string {
	var b strings.Builder
	for _, r := range key {
		if r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
