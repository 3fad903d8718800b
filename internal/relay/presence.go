package relay

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/apperr"
	"github.com/lalith-99/studyhub/internal/models"
	"go.uber.org/zap"
)

const (
	onlineUsersKey    = "presence:online_users"
	presenceKeyPrefix = "presence:user:"

	// PresenceSnapshotTTL bounds how long a cached snapshot outlives its
	// last refresh.
	PresenceSnapshotTTL = 5 * time.Minute
)

// PresenceUpdate is published flat on presence:updates.
type PresenceUpdate struct {
	Type     string            `json:"type"`
	UserID   uuid.UUID         `json:"user_id"`
	IsOnline bool              `json:"is_online"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (r *Relay) MarkOnline(ctx context.Context, userID uuid.UUID) error {
	if err := r.broker.SAdd(ctx, onlineUsersKey, userID.String()); err != nil {
		return apperr.Transient(err, "mark user online")
	}
	return nil
}

func (r *Relay) MarkOffline(ctx context.Context, userID uuid.UUID) error {
	if err := r.broker.SRem(ctx, onlineUsersKey, userID.String()); err != nil {
		return apperr.Transient(err, "mark user offline")
	}
	return nil
}

// OnlineUsers returns the cluster-wide online set. Entries that are not
// valid identifiers are skipped.
func (r *Relay) OnlineUsers(ctx context.Context) (map[uuid.UUID]struct{}, error) {
	members, err := r.broker.SMembers(ctx, onlineUsersKey)
	if err != nil {
		return nil, apperr.Transient(err, "list online users")
	}
	out := make(map[uuid.UUID]struct{}, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			r.logger.Warn("bad entry in online set", zap.String("member", m))
			continue
		}
		out[id] = struct{}{}
	}
	return out, nil
}

// CachePresence writes the presence:user:<id> snapshot with a TTL.
func (r *Relay) CachePresence(ctx context.Context, p models.Presence) error {
	fields := map[string]string{
		"is_online":        strconv.FormatBool(p.IsOnline),
		"connection_count": strconv.Itoa(p.ConnectionCount),
		"last_seen_at":     p.LastSeenAt.UTC().Format(time.RFC3339Nano),
	}
	if p.StatusMessage != nil {
		fields["status_message"] = *p.StatusMessage
	}
	if err := r.broker.HSetWithTTL(ctx, presenceKeyPrefix+p.UserID.String(), fields, PresenceSnapshotTTL); err != nil {
		return apperr.Transient(err, "cache presence")
	}
	return nil
}

// EventPresenceUpdate is the frame type of presence changes.
const EventPresenceUpdate = "presence_update"

// PublishPresence announces a presence change to every process.
func (r *Relay) PublishPresence(ctx context.Context, p models.Presence) error {
	update := PresenceUpdate{
		Type:     EventPresenceUpdate,
		UserID:   p.UserID,
		IsOnline: p.IsOnline,
	}
	if p.StatusMessage != nil {
		update.Metadata = map[string]string{"status_message": *p.StatusMessage}
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return apperr.Internal(err, "encode presence update")
	}
	return r.publishRaw(ctx, PresenceChannel, update.Type, payload)
}
