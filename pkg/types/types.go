package types

import "strconv"

// MemberID identifies a member of the raft group.
type MemberID string

// NoMember is the zero MemberID, used when no leader is known.
const NoMember MemberID = ""

// IsNone reports whether the id names no member.
func (m MemberID) IsNone() bool {
	return m == NoMember
}

func (m MemberID) String() string {
	if m.IsNone() {
		return "<none>"
	}
	return string(m)
}

// MemberFromRaftID maps an etcd raft node id onto a MemberID. Raft id 0 means "no node".
func MemberFromRaftID(id uint64) MemberID {
	if id == 0 {
		return NoMember
	}
	return MemberID(strconv.FormatUint(id, 10))
}

// RaftID is the inverse of MemberFromRaftID.
func (m MemberID) RaftID() (uint64, error) {
	if m.IsNone() {
		return 0, nil
	}
	return strconv.ParseUint(string(m), 10, 64)
}

// Term and LogIndex are used by consensus/replication components.
type Term = uint64

type LogIndex = uint64
