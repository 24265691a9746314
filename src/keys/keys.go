// Package keys is the single naming authority for every key and pub/sub
// channel the router places in the shared store. Components never build
// store keys by hand.
package keys

import "strings"

// Pub/sub channel names.
const (
	ChannelOnline  = "presence:online"
	ChannelOffline = "presence:offline"
	ChannelUpdates = "presence:updates"

	// ChannelExpired is the store's keyspace notification channel for
	// expired keys in DB 0. Requires notify-keyspace-events Ex.
	ChannelExpired = "__keyevent@0__:expired"
)

const (
	presencePrefix     = "presence:user:"
	presenceMetaPrefix = "presence:meta:"
	groupMembersPrefix = "group:members:"
	groupCurrentPrefix = "group:current:"
	userGroupsPrefix   = "user:groups:"
)

// Presence returns the existence-tracked presence key for a user. The key
// carries the presence TTL; its existence is the definition of "online".
func Presence(userID string) string { return presencePrefix + userID }

// PresenceMeta returns the meta hash key for a user. It has no TTL so
// lastSeen survives offline transitions.
func PresenceMeta(userID string) string { return presenceMetaPrefix + userID }

// GroupMembers returns the member-set key for a group.
func GroupMembers(groupID string) string { return groupMembersPrefix + groupID }

// GroupCurrent returns the current-speaker lock key for a group.
func GroupCurrent(groupID string) string { return groupCurrentPrefix + groupID }

// UserGroups returns the reverse-membership set key for a user.
func UserGroups(userID string) string { return userGroupsPrefix + userID }

// PresencePattern matches every presence key, for SCAN.
func PresencePattern() string { return presencePrefix + "*" }

// GroupPattern matches every group key, for the janitor's bounded scan.
func GroupPattern() string { return "group:*" }

// UserFromPresence extracts the user id from a presence key. Used by the
// expiry listener to turn key-expired events into offline transitions.
func UserFromPresence(key string) (string, bool) {
	return cutPrefix(key, presencePrefix)
}

// GroupFromCurrent extracts the group id from a current-speaker lock key.
func GroupFromCurrent(key string) (string, bool) {
	return cutPrefix(key, groupCurrentPrefix)
}

// GroupFromMembers extracts the group id from a member-set key.
func GroupFromMembers(key string) (string, bool) {
	return cutPrefix(key, groupMembersPrefix)
}

func cutPrefix(key, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}
