package db

// schema bootstraps an empty database. Users and friendships belong to
// the account service; they are created here only so a fresh
// development database has the tables the directories read from.
var schema = []string{
	`CREATE EXTENSION IF NOT EXISTS pgcrypto`,

	`CREATE TABLE IF NOT EXISTS users (
		id           uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		email        text UNIQUE NOT NULL,
		display_name text NOT NULL,
		department   text NOT NULL DEFAULT '',
		grade        int  NOT NULL DEFAULT 1,
		gender       text NOT NULL DEFAULT '',
		is_verified  boolean NOT NULL DEFAULT false,
		created_at   timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS friendships (
		user_id   uuid NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		friend_id uuid NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		status    text NOT NULL DEFAULT 'accepted',
		PRIMARY KEY (user_id, friend_id)
	)`,

	`CREATE TABLE IF NOT EXISTS chat_rooms (
		id                    uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		room_type             text NOT NULL CHECK (room_type IN ('direct','team','matching')),
		name                  text,
		description           text,
		metadata              jsonb NOT NULL DEFAULT '{}'::jsonb,
		display_mode          text NOT NULL DEFAULT 'open' CHECK (display_mode IN ('open','blind')),
		is_active             boolean NOT NULL DEFAULT true,
		direct_key            text UNIQUE,
		invitation_code       text UNIQUE,
		invitation_expires_at timestamptz,
		invitation_max_uses   int,
		invitation_use_count  int NOT NULL DEFAULT 0,
		created_at            timestamptz NOT NULL DEFAULT now(),
		updated_at            timestamptz NOT NULL DEFAULT now(),
		last_message_at       timestamptz
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_rooms_last_message ON chat_rooms (last_message_at DESC NULLS LAST)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_rooms_proposal ON chat_rooms ((metadata->>'proposal_id')) WHERE room_type = 'matching'`,

	`CREATE TABLE IF NOT EXISTS chat_room_members (
		room_id        uuid NOT NULL REFERENCES chat_rooms(id) ON DELETE CASCADE,
		user_id        uuid NOT NULL,
		role           text NOT NULL DEFAULT 'member' CHECK (role IN ('owner','admin','member')),
		display_name   text,
		anonymous_name text,
		group_label    text,
		group_index    int,
		is_active      boolean NOT NULL DEFAULT true,
		is_muted       boolean NOT NULL DEFAULT false,
		last_read_at   timestamptz,
		unread_count   int NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
		joined_at      timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (room_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_room_members_user ON chat_room_members (user_id) WHERE is_active`,

	`CREATE TABLE IF NOT EXISTS chat_messages (
		id                uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		room_id           uuid NOT NULL REFERENCES chat_rooms(id) ON DELETE CASCADE,
		sender_id         uuid NOT NULL,
		content           text NOT NULL,
		message_type      text NOT NULL DEFAULT 'text',
		attachments       jsonb NOT NULL DEFAULT '[]'::jsonb,
		parent_message_id uuid REFERENCES chat_messages(id),
		thread_count      int NOT NULL DEFAULT 0,
		reactions         jsonb NOT NULL DEFAULT '[]'::jsonb,
		is_edited         boolean NOT NULL DEFAULT false,
		is_deleted        boolean NOT NULL DEFAULT false,
		created_at        timestamptz NOT NULL DEFAULT clock_timestamp(),
		updated_at        timestamptz NOT NULL DEFAULT clock_timestamp(),
		deleted_at        timestamptz
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_room_created ON chat_messages (room_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS room_timers (
		room_id           uuid PRIMARY KEY REFERENCES chat_rooms(id) ON DELETE CASCADE,
		status            text NOT NULL DEFAULT 'idle',
		phase             text NOT NULL DEFAULT 'work',
		duration_seconds  int NOT NULL,
		remaining_seconds int NOT NULL CHECK (remaining_seconds >= 0),
		started_at        timestamptz,
		paused_at         timestamptz,
		completed_at      timestamptz,
		work_seconds      int NOT NULL,
		break_seconds     int NOT NULL,
		auto_start_break  boolean NOT NULL DEFAULT false,
		updated_at        timestamptz NOT NULL DEFAULT now(),
		CHECK (remaining_seconds <= duration_seconds)
	)`,

	`CREATE TABLE IF NOT EXISTS user_presence (
		user_id          uuid PRIMARY KEY,
		is_online        boolean NOT NULL DEFAULT false,
		last_seen_at     timestamptz NOT NULL DEFAULT now(),
		connection_count int NOT NULL DEFAULT 0 CHECK (connection_count >= 0),
		status_message   text
	)`,

	`CREATE TABLE IF NOT EXISTS matching_pools (
		id                   uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		creator_id           uuid NOT NULL,
		member_ids           uuid[] NOT NULL,
		member_count         int NOT NULL CHECK (member_count BETWEEN 2 AND 8),
		department           text NOT NULL,
		grade                int NOT NULL,
		gender               text NOT NULL,
		preferred_match_type text NOT NULL,
		preferred_categories text[] NOT NULL DEFAULT '{}',
		matching_type        text NOT NULL DEFAULT 'open',
		message              text,
		status               text NOT NULL DEFAULT 'waiting',
		created_at           timestamptz NOT NULL DEFAULT now(),
		updated_at           timestamptz NOT NULL DEFAULT now(),
		expires_at           timestamptz NOT NULL,
		matched_at           timestamptz
	)`,
	`CREATE INDEX IF NOT EXISTS idx_matching_pools_bucket ON matching_pools (status, member_count, gender)`,

	`CREATE TABLE IF NOT EXISTS matching_pool_members (
		pool_id uuid NOT NULL REFERENCES matching_pools(id) ON DELETE CASCADE,
		user_id uuid NOT NULL,
		active  boolean NOT NULL DEFAULT true,
		PRIMARY KEY (pool_id, user_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_matching_pool_members_active ON matching_pool_members (user_id) WHERE active`,

	`CREATE TABLE IF NOT EXISTS matching_proposals (
		id             uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		group_a_id     uuid NOT NULL REFERENCES matching_pools(id),
		group_b_id     uuid NOT NULL REFERENCES matching_pools(id),
		group_a_status text NOT NULL DEFAULT 'pending',
		group_b_status text NOT NULL DEFAULT 'pending',
		final_status   text NOT NULL DEFAULT 'pending',
		score          int NOT NULL DEFAULT 0,
		chat_room_id   uuid REFERENCES chat_rooms(id),
		created_at     timestamptz NOT NULL DEFAULT now(),
		updated_at     timestamptz NOT NULL DEFAULT now(),
		expires_at     timestamptz NOT NULL,
		matched_at     timestamptz,
		CHECK (final_status <> 'matched' OR (chat_room_id IS NOT NULL AND group_a_status = 'accepted' AND group_b_status = 'accepted')),
		CHECK (final_status <> 'rejected' OR group_a_status = 'rejected' OR group_b_status = 'rejected')
	)`,
	`CREATE INDEX IF NOT EXISTS idx_matching_proposals_final ON matching_proposals (final_status, expires_at)`,
}
