package consumer

import "time"

// EnvConfig is the environment-loadable subset of a consumer's
// configuration, read with pkg/config.Load the same way
// outbox.WorkerConfig is (see cmd/silverback-outbox-worker): an app embeds
// this in its own config struct, loads it, then translates it into a
// Config/ChannelsConfig/endpoint.Configuration trio. It covers the
// `consumer:` keys from the config surface this module recognizes
// (group_id, commit_offset_each, enable_auto_commit, batch.size,
// batch.timeout, sequence.timeout, enable_auto_recovery,
// process_all_partitions_together).
type EnvConfig struct {
	GroupID string `env:"CONSUMER_GROUP_ID"`

	CommitOffsetEach int  `env:"CONSUMER_COMMIT_OFFSET_EACH" env-default:"100"`
	EnableAutoCommit bool `env:"CONSUMER_ENABLE_AUTO_COMMIT" env-default:"false"`

	BatchSize    int           `env:"CONSUMER_BATCH_SIZE" env-default:"0"`
	BatchTimeout time.Duration `env:"CONSUMER_BATCH_TIMEOUT" env-default:"0s"`
	Streaming    bool          `env:"CONSUMER_STREAMING" env-default:"false"`

	SequenceTimeout time.Duration `env:"CONSUMER_SEQUENCE_TIMEOUT" env-default:"30s"`

	EnableAutoRecovery           bool `env:"CONSUMER_ENABLE_AUTO_RECOVERY" env-default:"true"`
	ProcessAllPartitionsTogether bool `env:"CONSUMER_PROCESS_ALL_PARTITIONS_TOGETHER" env-default:"false"`

	Channels    int `env:"CONSUMER_CHANNELS" env-default:"2"`
	BufferSize  int `env:"CONSUMER_CHANNEL_BUFFER_SIZE" env-default:"4"`
	MaxInFlight int `env:"CONSUMER_MAX_IN_FLIGHT" env-default:"0"`
}

// ChannelsConfig translates the channel-scheduling fields of EnvConfig into
// a ChannelsConfig.
func (c EnvConfig) ChannelsConfig() ChannelsConfig {
	return ChannelsConfig{
		Channels:                     c.Channels,
		BufferSize:                   c.BufferSize,
		ProcessAllPartitionsTogether: c.ProcessAllPartitionsTogether,
		MaxInFlight:                  c.MaxInFlight,
	}
}
