package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"raftcore/pkg/replication"
	"raftcore/pkg/types"

	"github.com/go-zookeeper/zk"
)

const (
	leaderNode  = "leader"
	membersNode = "members"

	watchRetryDelay = 2 * time.Second
)

// zkConn is the part of *zk.Conn the registry uses.
type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Delete(path string, version int32) error
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	State() zk.State
	Close()
}

// ZKLeaderRegistry publishes the raft leader in ZooKeeper and lets every member follow it.
// The leader znode is ephemeral, so a crashed leader disappears with its session.
type ZKLeaderRegistry struct {
	conn     zkConn
	rootPath string
	self     types.MemberID

	mu      sync.RWMutex
	current types.MemberID
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKLeaderRegistry(servers []string, rootPath string, self types.MemberID, sessionTimeout time.Duration) (*ZKLeaderRegistry, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	r := newZKLeaderRegistry(conn, rootPath, self)
	// Ждём, пока клиент реально подключится к ZK
	if err := r.waitConnected(10 * time.Second); err != nil {
		conn.Close()
		return nil, err
	}
	if err := r.ensurePath(r.path(membersNode)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure members path: %w", err)
	}
	return r, nil
}

func newZKLeaderRegistry(conn zkConn, rootPath string, self types.MemberID) *ZKLeaderRegistry {
	return &ZKLeaderRegistry{
		conn:     conn,
		rootPath: strings.TrimRight(rootPath, "/"),
		self:     self,
	}
}

func (r *ZKLeaderRegistry) Close() error {
	r.conn.Close()
	return nil
}

func (r *ZKLeaderRegistry) path(node string) string {
	return r.rootPath + "/" + node
}

// GetLeader returns the leader last seen in ZooKeeper.
func (r *ZKLeaderRegistry) GetLeader() (types.MemberID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current.IsNone() {
		return types.NoMember, replication.ErrNoLeaderFound
	}
	return r.current, nil
}

// OnLocalLeaderChange is fed by the local raft node. The node that became leader takes over
// the leader znode, a deposed leader removes its own entry.
func (r *ZKLeaderRegistry) OnLocalLeaderChange(leader types.MemberID) {
	var err error
	if leader == r.self {
		err = r.publish()
	} else {
		err = r.resign()
	}
	if err != nil {
		slog.Error("failed to update leader znode", "self", r.self, "leader", leader, "error", err)
	}
}

func (r *ZKLeaderRegistry) publish() error {
	if err := r.ensurePath(r.rootPath); err != nil {
		return err
	}
	path := r.path(leaderNode)
	for {
		_, err := r.conn.Create(path, []byte(r.self), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
		if err == nil {
			slog.Info("published leader", "path", path, "leader", r.self)
			return nil
		}
		if !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("create leader node: %w", err)
		}

		data, stat, err := r.conn.Get(path)
		switch {
		case errors.Is(err, zk.ErrNoNode):
			continue
		case err != nil:
			return fmt.Errorf("read leader node: %w", err)
		case types.MemberID(data) == r.self:
			return nil
		}
		// stale entry of a deposed leader
		if err := r.conn.Delete(path, stat.Version); err != nil && !errors.Is(err, zk.ErrNoNode) && !errors.Is(err, zk.ErrBadVersion) {
			return fmt.Errorf("delete stale leader node: %w", err)
		}
	}
}

func (r *ZKLeaderRegistry) resign() error {
	path := r.path(leaderNode)
	data, stat, err := r.conn.Get(path)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read leader node: %w", err)
	}
	if types.MemberID(data) != r.self {
		return nil
	}
	if err := r.conn.Delete(path, stat.Version); err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("delete leader node: %w", err)
	}
	slog.Info("resigned leadership", "path", path, "self", r.self)
	return nil
}

// RunWatch следит за leader-узлом и сообщает о каждой смене лидера
func (r *ZKLeaderRegistry) RunWatch(ctx context.Context, onChange func(types.MemberID)) {
	go func() {
		for {
			leader, ch, err := r.readLeaderW()
			if err != nil {
				slog.Warn("zk leader watch failed", "error", err)
				select {
				case <-time.After(watchRetryDelay):
					continue
				case <-ctx.Done():
					return
				}
			}

			r.mu.Lock()
			changed := leader != r.current
			r.current = leader
			r.mu.Unlock()
			if changed {
				slog.Info("zk leader changed", "leader", leader)
				onChange(leader)
			}

			select {
			case ev := <-ch:
				slog.Debug("zk leader event", "type", ev.Type, "path", ev.Path)
			case <-ctx.Done():
				slog.Debug("zk leader watch stopped")
				return
			}
		}
	}()
}

// readLeaderW reads the leader znode and arms a watch on it. A missing node means no leader.
func (r *ZKLeaderRegistry) readLeaderW() (types.MemberID, <-chan zk.Event, error) {
	path := r.path(leaderNode)
	for {
		data, _, ch, err := r.conn.GetW(path)
		if err == nil {
			return types.MemberID(data), ch, nil
		}
		if !errors.Is(err, zk.ErrNoNode) {
			return types.NoMember, nil, err
		}

		exists, _, ch, err := r.conn.ExistsW(path)
		if err != nil {
			return types.NoMember, nil, err
		}
		if !exists {
			return types.NoMember, ch, nil
		}
	}
}

// RegisterSelf создаёт ephemeral-узел с адресом текущей ноды
func (r *ZKLeaderRegistry) RegisterSelf(addr string) error {
	if err := r.ensurePath(r.path(membersNode)); err != nil {
		return fmt.Errorf("ensure members path: %w", err)
	}
	nodePath := r.path(membersNode) + "/" + string(r.self)
	_, err := r.conn.Create(nodePath, []byte(addr), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}
	slog.Info("registered member", "path", nodePath, "addr", addr)
	return nil
}

// RunMembersWatch reports the addresses of live members after every membership change.
func (r *ZKLeaderRegistry) RunMembersWatch(ctx context.Context, onChange func(map[types.MemberID]string)) {
	go func() {
		for {
			children, _, ch, err := r.conn.ChildrenW(r.path(membersNode))
			if err != nil {
				slog.Warn("zk members watch failed", "error", err)
				select {
				case <-time.After(watchRetryDelay):
					continue
				case <-ctx.Done():
					return
				}
			}

			members := make(map[types.MemberID]string, len(children))
			for _, c := range children {
				data, _, err := r.conn.Get(r.path(membersNode) + "/" + c)
				if err != nil {
					// member left between ChildrenW and Get
					continue
				}
				members[types.MemberID(c)] = string(data)
			}
			onChange(members)

			select {
			case <-ch:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *ZKLeaderRegistry) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := r.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = r.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

func (r *ZKLeaderRegistry) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := r.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
