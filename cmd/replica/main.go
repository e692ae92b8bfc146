// Command replica boots one PBFT replica from a cluster configuration
// file, using github.com/spf13/cobra for flag parsing.
package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/openpgp"

	"github.com/resdb-go/pbftkv/config"
	"github.com/resdb-go/pbftkv/crypto"
	"github.com/resdb-go/pbftkv/executor"
	"github.com/resdb-go/pbftkv/kv"
	"github.com/resdb-go/pbftkv/pbft"
	"github.com/resdb-go/pbftkv/transport"
)

var log = capnslog.NewPackageLogger("github.com/resdb-go/pbftkv", "main")

// noopReplies is used when this replica is run standalone with no
// co-located client; replies are still signed and cached by the
// Response Manager, just not delivered anywhere further.
type noopReplies struct{}

func (noopReplies) Deliver(pbft.SignedClientReply) {}

func newRootCommand() *cobra.Command {
	var (
		configFile  string
		port        int
		performance bool
	)

	cmd := &cobra.Command{
		Use:   "replica",
		Short: "Run one replica of a permissioned PBFT cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplica(configFile, port, performance)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "cluster.json", "cluster configuration file")
	cmd.Flags().IntVar(&port, "port", 0, "listen port; defaults to this replica's configured port")
	cmd.Flags().BoolVar(&performance, "performance", false, "replace the client source with a synthetic load generator")
	return cmd
}

func runReplica(configFile string, port int, performance bool) error {
	cluster, err := config.Load(configFile)
	if err != nil {
		return err
	}

	selfEntry, ok := cluster.Replica(cluster.SelfID)
	if !ok {
		return fmt.Errorf("replica: self id %d missing from %s", cluster.SelfID, configFile)
	}
	if port == 0 {
		port = selfEntry.Port
	}

	selfKey, err := crypto.LoadEntity(cluster.SigningKeyFile)
	if err != nil {
		return err
	}
	peerEntities := make(map[crypto.NodeID]*openpgp.Entity, len(cluster.Replicas))
	for _, r := range cluster.Replicas {
		entity, err := crypto.LoadEntity(r.PublicKeyCert)
		if err != nil {
			return err
		}
		peerEntities[crypto.NodeID(r.ID)] = entity
	}
	verifier := crypto.NewOpenPGPVerifier(selfKey, peerEntities)

	storage := kv.NewMemory()
	exec := executor.NewKVExecutor(storage)
	bcast := transport.NewRPCBroadcaster()

	var perf *pbft.PerformanceManager
	if performance {
		perf = pbft.NewPerformanceManager()
	}

	recovery, err := pbft.OpenRecovery(cluster.DBPath)
	if err != nil {
		return err
	}
	defer recovery.Close()

	node, err := pbft.NewNode(cluster, exec, verifier, bcast, noopReplies{}, perf, recovery)
	if err != nil {
		return err
	}
	if err := node.Restore(cluster.DBPath); err != nil {
		return err
	}
	if err := node.Listen(port); err != nil {
		return err
	}
	defer node.Close()

	log.Infof("replica %d listening on :%d (primary round-robin, view 0 primary is replica %d)",
		cluster.SelfID, port, cluster.Replicas[node.SystemInfo.PrimaryForView(0)].ID)

	selfIndex := 0
	for i, r := range cluster.Replicas {
		if r.ID == cluster.SelfID {
			selfIndex = i
		}
	}
	stopLoad := make(chan struct{})
	if perf != nil && node.SystemInfo.IsPrimary(selfIndex) {
		go perf.Run(stopLoad, 4, []byte(`{"op":"SET","key":"bench","value":"x"}`), node.SubmitLocal)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop
	close(stopLoad)
	if perf != nil {
		m := perf.Snapshot()
		log.Infof("synthetic load: submitted=%d committed=%d avg queue=%s avg commit=%s",
			m.Submitted, m.Committed, m.AverageQueueDelay(), m.AverageCommitLatency())
	}
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}
