// Package protocol defines the engagement channel wire contract shared by the
// client engine and the reference gateway.
package protocol

// Outbound events (client -> server).
const (
	EventJoinRoom      = "join-room"
	EventLeaveRoom     = "leave-room"
	EventLike          = "like"
	EventUnlike        = "unlike"
	EventRequestCount  = "request-count"
	EventCheckStatus   = "check-status"
	EventCommentSubmit = "comment-submit"
	EventCommentList   = "comment-list"
	EventCommentDelete = "comment-delete"
	EventShare         = "share"
)

// Inbound events (server -> client).
const (
	EventRoomJoined          = "room-joined"
	EventRoomLeft            = "room-left"
	EventCountUpdate         = "count-update"
	EventLikeAck             = "like-ack"
	EventUnlikeAck           = "unlike-ack"
	EventStatusResponse      = "status-response"
	EventMutationError       = "mutation-error"
	EventCommentAdded        = "comment-added"
	EventCommentListResponse = "comment-list-response"
	EventCommentDeleted      = "comment-deleted"
	EventShareCountUpdate    = "share-count-update"
	EventShareError          = "share-error"
)

var knownEvents = map[string]struct{}{
	EventJoinRoom:            {},
	EventLeaveRoom:           {},
	EventLike:                {},
	EventUnlike:              {},
	EventRequestCount:        {},
	EventCheckStatus:         {},
	EventCommentSubmit:       {},
	EventCommentList:         {},
	EventCommentDelete:       {},
	EventShare:               {},
	EventRoomJoined:          {},
	EventRoomLeft:            {},
	EventCountUpdate:         {},
	EventLikeAck:             {},
	EventUnlikeAck:           {},
	EventStatusResponse:      {},
	EventMutationError:       {},
	EventCommentAdded:        {},
	EventCommentListResponse: {},
	EventCommentDeleted:      {},
	EventShareCountUpdate:    {},
	EventShareError:          {},
}

// Room is the interaction kind a subscription is scoped to.
type Room string

const (
	RoomLike    Room = "like"
	RoomComment Room = "comment"
	RoomShare   Room = "share"
)

// Rooms lists every room kind an item exposes, in join order.
var Rooms = []Room{RoomLike, RoomComment, RoomShare}

// Valid reports whether r is a known room kind.
func (r Room) Valid() bool {
	return r == RoomLike || r == RoomComment || r == RoomShare
}
