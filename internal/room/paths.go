package room

import "fmt"

// Document layout: one room document with members, metrics, log entries
// and invites as child collections. Per-member metrics documents keep
// concurrent lifters off a shared write-rate-limited counter.

const RoomsCollection = "rooms"

func RoomPath(roomID string) string {
	return fmt.Sprintf("%s/%s", RoomsCollection, roomID)
}

func MembersCollection(roomID string) string {
	return RoomPath(roomID) + "/members"
}

func MemberPath(roomID, uid string) string {
	return MembersCollection(roomID) + "/" + uid
}

func MetricsCollection(roomID string) string {
	return RoomPath(roomID) + "/metrics"
}

func MetricsPath(roomID, uid string) string {
	return MetricsCollection(roomID) + "/" + uid
}

func LogCollection(roomID string) string {
	return RoomPath(roomID) + "/log"
}

func LogPath(roomID, entryID string) string {
	return LogCollection(roomID) + "/" + entryID
}

func InvitesCollection(roomID string) string {
	return RoomPath(roomID) + "/invites"
}

func InvitePath(roomID, inviteID string) string {
	return InvitesCollection(roomID) + "/" + inviteID
}

// InvitesGroup is the collection-group name used to find a user's invites
// across rooms.
const InvitesGroup = "invites"
