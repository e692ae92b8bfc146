package pbft

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// walRecordKind distinguishes the record shapes Recovery replays: a
// view-change record restoring (view, primary), and one record each
// for an accepted PrePrepare, Prepare, Commit or Checkpoint vote.
type walRecordKind uint8

const (
	walSystemInfo walRecordKind = iota + 1
	walPrePrepare
	walPrepare
	walCommit
	walCheckpoint
)

type walSystemInfoRecord struct {
	View View
}

type walPrePrepareRecord struct {
	PrePrepare SignedPrePrepare
}

type walPrepareRecord struct {
	Prepare SignedPrepare
}

type walCommitRecord struct {
	Commit SignedCommit
}

type walCheckpointRecord struct {
	Checkpoint SignedCheckpoint
}

type walEnvelope struct {
	Kind    walRecordKind
	Payload json.RawMessage
}

// Recovery appends every accepted consensus input to a length-prefixed
// write-ahead log under <db_path>/wal/ and replays it on boot.
type Recovery struct {
	mu     sync.Mutex
	dbPath string
	file   *os.File
}

// OpenRecovery opens (creating if absent) the WAL file under dbPath's
// wal/ subdirectory for appending.
func OpenRecovery(dbPath string) (*Recovery, error) {
	dir := filepath.Join(dbPath, "wal")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "pbft: creating wal directory")
	}
	f, err := os.OpenFile(filepath.Join(dir, "log"), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "pbft: opening wal file")
	}
	return &Recovery{dbPath: dbPath, file: f}, nil
}

func (r *Recovery) appendRecord(kind walRecordKind, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "pbft: encoding wal record")
	}
	env, err := json.Marshal(walEnvelope{Kind: kind, Payload: raw})
	if err != nil {
		return errors.Wrap(err, "pbft: encoding wal envelope")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(env)))
	if _, err := r.file.Write(length[:]); err != nil {
		return errors.Wrap(err, "pbft: writing wal length prefix")
	}
	if _, err := r.file.Write(env); err != nil {
		return errors.Wrap(err, "pbft: writing wal record")
	}
	return r.file.Sync()
}

// RecordView appends the durable record of a SystemInfo view change.
func (r *Recovery) RecordView(view View) error {
	return r.appendRecord(walSystemInfo, walSystemInfoRecord{View: view})
}

// RecordPrePrepare appends the durable record of an accepted
// PrePrepare, replayed on restart to rebuild the consensus log.
func (r *Recovery) RecordPrePrepare(pp SignedPrePrepare) error {
	return r.appendRecord(walPrePrepare, walPrePrepareRecord{PrePrepare: pp})
}

// RecordPrepare appends the durable record of an accepted Prepare vote.
func (r *Recovery) RecordPrepare(vote SignedPrepare) error {
	return r.appendRecord(walPrepare, walPrepareRecord{Prepare: vote})
}

// RecordCommit appends the durable record of an accepted Commit vote.
func (r *Recovery) RecordCommit(vote SignedCommit) error {
	return r.appendRecord(walCommit, walCommitRecord{Commit: vote})
}

// RecordCheckpoint appends the durable record of an accepted peer
// checkpoint vote.
func (r *Recovery) RecordCheckpoint(vote SignedCheckpoint) error {
	return r.appendRecord(walCheckpoint, walCheckpointRecord{Checkpoint: vote})
}

// Close flushes and closes the underlying WAL file.
func (r *Recovery) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// checkpointCertificate is the persisted stable-checkpoint artifact:
// the agreed sequence number plus the quorum of signed votes that
// stabilized it, the proof a ViewChange message carries and a restart
// resumes from.
type checkpointCertificate struct {
	Seq   SeqNum
	Votes map[NodeID]SignedCheckpoint
}

func checkpointDir(dbPath string) string {
	return filepath.Join(dbPath, "checkpoints")
}

// SaveCheckpointCertificate persists the stable-checkpoint certificate
// for seq under dbPath's checkpoints/ subdirectory.
func (r *Recovery) SaveCheckpointCertificate(seq SeqNum, votes map[NodeID]SignedCheckpoint) error {
	dir := checkpointDir(r.dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "pbft: creating checkpoints directory")
	}
	raw, err := json.Marshal(checkpointCertificate{Seq: seq, Votes: votes})
	if err != nil {
		return errors.Wrap(err, "pbft: encoding checkpoint certificate")
	}
	path := filepath.Join(dir, fmt.Sprintf("ckpt-%020d.json", seq))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return errors.Wrap(err, "pbft: writing checkpoint certificate")
	}
	return nil
}

// LatestCheckpointCertificate loads the highest-sequence persisted
// stable-checkpoint certificate under dbPath, if any. The zero-padded
// file naming makes the lexicographically last entry the latest.
func LatestCheckpointCertificate(dbPath string) (SeqNum, map[NodeID]SignedCheckpoint, bool, error) {
	entries, err := os.ReadDir(checkpointDir(dbPath))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, errors.Wrap(err, "pbft: listing checkpoint certificates")
	}
	var latest string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, "ckpt-") && name > latest {
			latest = name
		}
	}
	if latest == "" {
		return 0, nil, false, nil
	}
	raw, err := os.ReadFile(filepath.Join(checkpointDir(dbPath), latest))
	if err != nil {
		return 0, nil, false, errors.Wrap(err, "pbft: reading checkpoint certificate")
	}
	var cert checkpointCertificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		return 0, nil, false, errors.Wrap(err, "pbft: decoding checkpoint certificate")
	}
	return cert.Seq, cert.Votes, true, nil
}

// ReplayCallbacks bundles the restore actions Replay drives, one per
// record kind the WAL carries.
type ReplayCallbacks struct {
	OnView       func(View) error
	OnPrePrepare func(SignedPrePrepare) error
	OnPrepare    func(SignedPrepare) error
	OnCommit     func(SignedCommit) error
	OnCheckpoint func(SignedCheckpoint) error
}

// Replay reads every record written so far under dbPath's wal/
// subdirectory, in order, and invokes the matching callback for each.
// It is safe to call before the replica starts accepting traffic and
// is a no-op if no WAL file exists yet.
func Replay(dbPath string, cb ReplayCallbacks) error {
	path := filepath.Join(dbPath, "wal", "log")
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "pbft: opening wal file for replay")
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		var length [4]byte
		if _, err := io.ReadFull(reader, length[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "pbft: reading wal length prefix")
		}
		buf := make([]byte, binary.BigEndian.Uint32(length[:]))
		if _, err := io.ReadFull(reader, buf); err != nil {
			return errors.Wrap(err, "pbft: reading wal record, possibly truncated")
		}
		var env walEnvelope
		if err := json.Unmarshal(buf, &env); err != nil {
			return errors.Wrap(err, "pbft: decoding wal envelope")
		}
		switch env.Kind {
		case walSystemInfo:
			var rec walSystemInfoRecord
			if err := json.Unmarshal(env.Payload, &rec); err != nil {
				return errors.Wrap(err, "pbft: decoding wal system-info record")
			}
			if cb.OnView != nil {
				if err := cb.OnView(rec.View); err != nil {
					return err
				}
			}
		case walPrePrepare:
			var rec walPrePrepareRecord
			if err := json.Unmarshal(env.Payload, &rec); err != nil {
				return errors.Wrap(err, "pbft: decoding wal pre-prepare record")
			}
			if cb.OnPrePrepare != nil {
				if err := cb.OnPrePrepare(rec.PrePrepare); err != nil {
					return err
				}
			}
		case walPrepare:
			var rec walPrepareRecord
			if err := json.Unmarshal(env.Payload, &rec); err != nil {
				return errors.Wrap(err, "pbft: decoding wal prepare record")
			}
			if cb.OnPrepare != nil {
				if err := cb.OnPrepare(rec.Prepare); err != nil {
					return err
				}
			}
		case walCommit:
			var rec walCommitRecord
			if err := json.Unmarshal(env.Payload, &rec); err != nil {
				return errors.Wrap(err, "pbft: decoding wal commit record")
			}
			if cb.OnCommit != nil {
				if err := cb.OnCommit(rec.Commit); err != nil {
					return err
				}
			}
		case walCheckpoint:
			var rec walCheckpointRecord
			if err := json.Unmarshal(env.Payload, &rec); err != nil {
				return errors.Wrap(err, "pbft: decoding wal checkpoint record")
			}
			if cb.OnCheckpoint != nil {
				if err := cb.OnCheckpoint(rec.Checkpoint); err != nil {
					return err
				}
			}
		default:
			return errors.Errorf("pbft: unknown wal record kind %d", env.Kind)
		}
	}
}
