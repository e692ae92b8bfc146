// Package config loads the replica's cluster configuration file, read
// once at startup: the replica set, this replica's identity and keys,
// checkpoint interval, window size, timeouts, and storage backend.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

// ErrConfigInvalid is the fatal, startup-only configuration error.
var ErrConfigInvalid = errors.New("config: invalid configuration")

// ReplicaEntry describes one member of the cluster as listed in the
// configuration file: {id, ip, port, public_key_cert}.
type ReplicaEntry struct {
	ID            int    `json:"id"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	ClientPort    int    `json:"client_port"`
	PublicKeyCert string `json:"public_key_cert"`
}

// ClusterConfig is the replica's JSON configuration file.
type ClusterConfig struct {
	Replicas []ReplicaEntry `json:"replicas"`

	SelfID         int    `json:"self_id"`
	SigningKeyFile string `json:"signing_key_file"`
	CertFile       string `json:"cert_file"`
	SignatureAlgo  string `json:"signature_algorithm"`

	CheckpointInterval int `json:"checkpoint_interval"`
	WindowSize         int `json:"window_size"`

	ClientTimeoutMs     int `json:"client_timeout_ms"`
	ViewChangeTimeoutMs int `json:"view_change_timeout_ms"`
	ComplaintTimeoutMs  int `json:"complaint_timeout_ms"`

	// WorkerCount sizes the commitment worker pool; QueueDepth bounds
	// the inbound message queues. Zero means the pipeline's defaults.
	WorkerCount int `json:"worker_count"`
	QueueDepth  int `json:"queue_depth"`

	// StorageBackend selects the Storage implementation; only "memory"
	// is implemented in this module, with other backends left as
	// external collaborators a deployer can add.
	StorageBackend string `json:"storage_backend"`

	DBPath string `json:"db_path"`
}

// Load reads and validates a cluster configuration file.
func Load(path string) (*ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrConfigInvalid, "reading %s: %v", path, err)
	}
	var cfg ClusterConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(ErrConfigInvalid, "parsing %s: %v", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ClusterConfig) validate() error {
	n := len(c.Replicas)
	if n < 4 {
		return errors.Wrapf(ErrConfigInvalid, "need at least 4 replicas (N >= 3f+1), got %d", n)
	}
	found := false
	for _, r := range c.Replicas {
		if r.ID == c.SelfID {
			found = true
		}
	}
	if !found {
		return errors.Wrapf(ErrConfigInvalid, "self_id %d not present in replicas", c.SelfID)
	}
	if c.CheckpointInterval <= 0 {
		return errors.Wrap(ErrConfigInvalid, "checkpoint_interval must be positive")
	}
	if c.WindowSize <= 0 {
		return errors.Wrap(ErrConfigInvalid, "window_size must be positive")
	}
	if c.StorageBackend == "" {
		c.StorageBackend = "memory"
	} else if c.StorageBackend != "memory" {
		return errors.Wrapf(ErrConfigInvalid, "unsupported storage_backend %q (only \"memory\" is built in)", c.StorageBackend)
	}
	return nil
}

// N is the cluster size.
func (c *ClusterConfig) N() int { return len(c.Replicas) }

// F is the maximum number of Byzantine replicas this cluster tolerates.
func (c *ClusterConfig) F() int { return (c.N() - 1) / 3 }

// ClientTimeout is the configured client timeout as a duration. The
// replica's per-request complaint timer uses ComplaintTimeout, not this.
func (c *ClusterConfig) ClientTimeout() time.Duration {
	return time.Duration(c.ClientTimeoutMs) * time.Millisecond
}

// ViewChangeTimeout is the primary-silence timeout as a duration.
func (c *ClusterConfig) ViewChangeTimeout() time.Duration {
	return time.Duration(c.ViewChangeTimeoutMs) * time.Millisecond
}

// ComplaintTimeout is the per-request complaint timer as a duration.
func (c *ClusterConfig) ComplaintTimeout() time.Duration {
	return time.Duration(c.ComplaintTimeoutMs) * time.Millisecond
}

// Replica looks up a replica entry by id.
func (c *ClusterConfig) Replica(id int) (ReplicaEntry, bool) {
	for _, r := range c.Replicas {
		if r.ID == id {
			return r, true
		}
	}
	return ReplicaEntry{}, false
}
