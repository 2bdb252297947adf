package raftstore

import (
	"go.etcd.io/etcd/raft/v3"
	"go.uber.org/zap"
)

// raftLogger adapts zap to raft.Logger.
type raftLogger struct {
	*zap.SugaredLogger
}

func newRaftLogger(logger *zap.Logger) raft.Logger {
	return raftLogger{logger.Named("raft").WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l raftLogger) Warning(v ...interface{}) { l.Warn(v...) }

func (l raftLogger) Warningf(format string, v ...interface{}) { l.Warnf(format, v...) }
