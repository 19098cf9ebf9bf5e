package state

import (
	"context"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"exchange/internal/recorder"
	"exchange/internal/schema"
)

// RecoverConfig controls snapshot + recorded tail recovery.
type RecoverConfig struct {
	Dir             string
	FilePrefix      string
	SnapshotPath    string
	DisableChecksum bool
}

// Recover rebuilds a mirror from an optional snapshot file followed by the
// recorded updates after its sequence number. Without a snapshot the whole
// recording is replayed. A gap in the recorded sequence is an error.
func Recover(ctx context.Context, cfg RecoverConfig) (*Mirror, error) {
	if cfg.Dir == "" {
		return nil, errors.New("recover: recorder dir is empty")
	}
	m := NewMirror()
	if cfg.SnapshotPath != "" {
		snap, err := ReadSnapshot(cfg.SnapshotPath)
		if err != nil {
			return nil, err
		}
		m.Restore(snap)
	}
	base := m.LastSeq()

	p, err := recorder.NewPlayback(recorder.PlaybackConfig{
		Dir:             cfg.Dir,
		FilePrefix:      cfg.FilePrefix,
		AfterSeq:        base,
		DisableChecksum: cfg.DisableChecksum,
	})
	if err != nil {
		return nil, err
	}

	applied := 0
	if err := p.RunUpdates(ctx, func(u schema.SequencedUpdate) error {
		applied++
		return m.Apply(u)
	}); err != nil {
		return nil, errors.Wrap(err, "replay tail").With("snapshotSeq", base)
	}
	logs.Infof("recover: snapshot seq %d, replayed %d updates, last seq %d, %d orders", base, applied, m.LastSeq(), m.Len())
	return m, nil
}
