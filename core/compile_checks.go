package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ ConflictStrategy = (*ConflictHook)(nil)
	_ RecordHook       = (*EntityChangeHook)(nil)
	_ SessionListener  = (*EntityChangeHook)(nil)
	_ BatchEventBus    = (*OutboxEventBus)(nil)
	_ CheckpointStore  = (*MemoryCheckpointStore)(nil)
	_ IdentityCodec    = (*ChecksumIdentityCodec)(nil)
	_ MetricsRecorder  = NopMetricsRecorder{}

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
