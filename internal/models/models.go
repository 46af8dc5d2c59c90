package models

import (
	"time"
)

// Room lifecycle states. Lobby is the only state a room is born in;
// finished and archived are terminal.
const (
	StatusLobby    = "lobby"
	StatusActive   = "active"
	StatusFinished = "finished"
	StatusArchived = "archived"
)

// Room privacy levels.
const (
	PrivacyFriendsOnly = "friends_only"
	PrivacyInviteOnly  = "invite_only"
	PrivacyPublic      = "public"
)

// Member roles. Exactly one member per room holds RoleHost, and it is
// always the member Room.HostID points at.
const (
	RoleHost   = "host"
	RoleMember = "member"
)

// Invite statuses.
const (
	InviteStatusPending  = "pending"
	InviteStatusAccepted = "accepted"
	InviteStatusDeclined = "declined"
)

// ArchivedReasonHostLeft marks rooms archived because their host walked out.
const ArchivedReasonHostLeft = "host_left"

// DefaultMaxCapacity applies when a room is created without an explicit cap.
const DefaultMaxCapacity = 8

// Room is one live shared-workout session document.
//
// All timestamps are server-assigned — client clocks are never trusted.
// StartedAt/FinishedAt/ArchivedAt are pointers because they stay unset
// until the corresponding transition happens.
type Room struct {
	RoomID           string             `json:"room_id"`
	HostID           string             `json:"host_id"`
	Name             string             `json:"name"`
	WorkoutID        string             `json:"workout_id,omitempty"`
	MaxCapacity      int                `json:"max_capacity"`
	Privacy          string             `json:"privacy"`
	Status           string             `json:"status"`
	CreatedAt        time.Time          `json:"created_at"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	FinishedAt       *time.Time         `json:"finished_at,omitempty"`
	ArchivedAt       *time.Time         `json:"archived_at,omitempty"`
	ArchivedReason   string             `json:"archived_reason,omitempty"`
	LastActivity     time.Time          `json:"last_activity"`
	FinalLeaderboard []LeaderboardEntry `json:"final_leaderboard,omitempty"`
}

// Member is one participant of a room, keyed by user id.
type Member struct {
	UID         string    `json:"uid"`
	DisplayName string    `json:"display_name"`
	PhotoURL    string    `json:"photo_url,omitempty"`
	ReadyStatus bool      `json:"ready_status"`
	Role        string    `json:"role"`
	JoinedAt    time.Time `json:"joined_at"`
}

// ActiveMetrics is a member's live workout progress. One document per
// member so concurrent lifters never contend on a shared counter — the
// backend rate-limits writes per document, not per room.
// Mutated only by its owning user.
type ActiveMetrics struct {
	UID             string    `json:"uid"`
	CurrentExercise string    `json:"current_exercise"`
	CurrentSet      int       `json:"current_set"`
	TotalVolume     float64   `json:"total_volume"`
	TotalSets       int       `json:"total_sets"`
	LastSetWeight   float64   `json:"last_set_weight"`
	LastSetReps     int       `json:"last_set_reps"`
	LastUpdate      time.Time `json:"last_update"`
}

// LogEntry is one immutable completed-set record. Append-only event
// history; never updated or deleted.
type LogEntry struct {
	ID        string    `json:"id"`
	UID       string    `json:"uid"`
	Exercise  string    `json:"exercise"`
	Set       int       `json:"set"`
	Reps      int       `json:"reps"`
	Weight    float64   `json:"weight"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Invite is a best-effort side document under its room. Denormalizes the
// room name so clients can render the invite without a second read.
type Invite struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	InviteeUID string    `json:"invitee_uid"`
	InvitedBy  string    `json:"invited_by"`
	RoomName   string    `json:"room_name"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// LeaderboardEntry is one row of the computed leaderboard: the member's
// metrics enriched with display info and a dense 1-based rank.
type LeaderboardEntry struct {
	UID             string  `json:"uid"`
	Rank            int     `json:"rank"`
	DisplayName     string  `json:"display_name"`
	PhotoURL        string  `json:"photo_url,omitempty"`
	Role            string  `json:"role"`
	CurrentExercise string  `json:"current_exercise"`
	CurrentSet      int     `json:"current_set"`
	TotalVolume     float64 `json:"total_volume"`
	TotalSets       int     `json:"total_sets"`
	LastSetWeight   float64 `json:"last_set_weight"`
	LastSetReps     int     `json:"last_set_reps"`
}

// Delta describes how one member's leaderboard position moved between two
// consecutive emissions. RankDelta is positive when the member climbed.
type Delta struct {
	UID         string  `json:"uid"`
	VolumeDelta float64 `json:"volume_delta"`
	RankDelta   int     `json:"rank_delta"`
	IsNew       bool    `json:"is_new"`
}
