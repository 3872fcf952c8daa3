package raftadapter

import (
	"fmt"
	"log/slog"
	"os"

	"raftcore/pkg/config"

	"go.etcd.io/etcd/raft/v3"
)

func toRaftConfig(id uint64, c *config.RaftConfig, storage raft.Storage) *raft.Config {
	return &raft.Config{
		ID:                        id,
		Storage:                   storage,
		ElectionTick:              c.ElectionTick,
		HeartbeatTick:             c.HeartbeatTick,
		MaxSizePerMsg:             c.MaxSizePerMsg,
		MaxCommittedSizePerReady:  c.MaxCommittedSizePerReady,
		MaxUncommittedEntriesSize: c.MaxUncommittedEntriesSize,
		MaxInflightMsgs:           c.MaxInflightMsgs,
		CheckQuorum:               c.CheckQuorum,
		PreVote:                   c.PreVote,
		Logger:                    &raftLogger{log: slog.Default().With("component", "raft", "id", id)},
	}
}

// raftLogger sends etcd raft's own logging to slog.
type raftLogger struct {
	log *slog.Logger
}

var _ raft.Logger = (*raftLogger)(nil)

func (l *raftLogger) Debug(v ...interface{}) { l.log.Debug(fmt.Sprint(v...)) }
func (l *raftLogger) Debugf(format string, v ...interface{}) { l.log.Debug(fmt.Sprintf(format, v...)) }
func (l *raftLogger) Info(v ...interface{}) { l.log.Info(fmt.Sprint(v...)) }
func (l *raftLogger) Infof(format string, v ...interface{}) { l.log.Info(fmt.Sprintf(format, v...)) }
func (l *raftLogger) Warning(v ...interface{}) { l.log.Warn(fmt.Sprint(v...)) }
func (l *raftLogger) Warningf(format string, v ...interface{}) { l.log.Warn(fmt.Sprintf(format, v...)) }
func (l *raftLogger) Error(v ...interface{}) { l.log.Error(fmt.Sprint(v...)) }
func (l *raftLogger) Errorf(format string, v ...interface{}) { l.log.Error(fmt.Sprintf(format, v...)) }

func (l *raftLogger) Fatal(v ...interface{}) {
	l.log.Error(fmt.Sprint(v...))
	os.Exit(1)
}

func (l *raftLogger) Fatalf(format string, v ...interface{}) {
	l.log.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}

func (l *raftLogger) Panic(v ...interface{}) {
	msg := fmt.Sprint(v...)
	l.log.Error(msg)
	panic(msg)
}

func (l *raftLogger) Panicf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	l.log.Error(msg)
	panic(msg)
}
