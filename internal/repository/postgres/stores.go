package postgres

import "github.com/lalith-99/studyhub/internal/repository"

var (
	_ repository.RoomRepository          = (*RoomStore)(nil)
	_ repository.MemberRepository        = (*MemberStore)(nil)
	_ repository.MessageRepository       = (*MessageStore)(nil)
	_ repository.TimerRepository         = (*TimerStore)(nil)
	_ repository.PresenceRepository      = (*PresenceStore)(nil)
	_ repository.PoolRepository          = (*PoolStore)(nil)
	_ repository.ProposalRepository      = (*ProposalStore)(nil)
	_ repository.MatchingStatsRepository = (*StatsStore)(nil)
	_ repository.UserDirectory           = (*UserStore)(nil)
	_ repository.FriendDirectory         = (*UserStore)(nil)
)
