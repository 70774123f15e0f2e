package raft

import (
	"github.com/rs/zerolog"
)

// raftLogger adapts the etcd raft logging interface onto zerolog
type raftLogger struct {
	logger zerolog.Logger
}

func (l *raftLogger) Debug(v ...interface{})                   { l.logger.Debug().Msgf("%v", v) }
func (l *raftLogger) Debugf(format string, v ...interface{})   { l.logger.Debug().Msgf(format, v...) }
func (l *raftLogger) Info(v ...interface{})                    { l.logger.Info().Msgf("%v", v) }
func (l *raftLogger) Infof(format string, v ...interface{})    { l.logger.Info().Msgf(format, v...) }
func (l *raftLogger) Warning(v ...interface{})                 { l.logger.Warn().Msgf("%v", v) }
func (l *raftLogger) Warningf(format string, v ...interface{}) { l.logger.Warn().Msgf(format, v...) }
func (l *raftLogger) Error(v ...interface{})                   { l.logger.Error().Msgf("%v", v) }
func (l *raftLogger) Errorf(format string, v ...interface{})   { l.logger.Error().Msgf(format, v...) }
func (l *raftLogger) Fatal(v ...interface{})                   { l.logger.Fatal().Msgf("%v", v) }
func (l *raftLogger) Fatalf(format string, v ...interface{})   { l.logger.Fatal().Msgf(format, v...) }
func (l *raftLogger) Panic(v ...interface{})                   { l.logger.Panic().Msgf("%v", v) }
func (l *raftLogger) Panicf(format string, v ...interface{})   { l.logger.Panic().Msgf(format, v...) }
