// Package consensus implements ramd's Consensus Facade: a thin client over
// an etcd cluster used purely to query leader/term/membership and to
// propagate membership changes. The daemon never implements consensus
// itself; it queries this oracle and falls back to local heuristics when
// it is unavailable.
package consensus

import (
	"context"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/pgElephant/ram-sub001/rerrors"
)

// Member describes one entry in the oracle's membership list.
type Member struct {
	ID       int
	Host     string
	Port     int
}

// Oracle is the Consensus Facade. It satisfies cluster.ConsensusOracle for
// the narrow leader/healthy queries and additionally exposes membership
// mutation and log append for the Failover Engine / Control API.
type Oracle struct {
	client   *clientv3.Client
	election *concurrency.Election
	session  *concurrency.Session

	clusterName string
	queryTimeout time.Duration
}

// Config bundles what's needed to dial etcd for one named cluster.
type Config struct {
	Endpoints    []string
	ClusterName  string
	DialTimeout  time.Duration
	QueryTimeout time.Duration
}

// Dial connects to etcd and establishes the election session used for
// leader queries and campaigns.
func Dial(cfg Config) (*Oracle, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, rerrors.New(rerrors.ConsensusUnavailable, "Dial", err)
	}

	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(10))
	if err != nil {
		cli.Close()
		return nil, rerrors.New(rerrors.ConsensusUnavailable, "Dial", err)
	}

	electionKey := "/ramd/" + cfg.ClusterName + "/election"
	return &Oracle{
		client:       cli,
		election:     concurrency.NewElection(sess, electionKey),
		session:      sess,
		clusterName:  cfg.ClusterName,
		queryTimeout: cfg.QueryTimeout,
	}, nil
}

// Close releases the etcd session and client.
func (o *Oracle) Close() error {
	o.session.Close()
	return o.client.Close()
}

func (o *Oracle) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.queryTimeout)
}

// LeaderID returns the node id encoded in the current election leader's
// value, or 0 if there is no leader yet.
func (o *Oracle) LeaderID() (int, error) {
	ctx, cancel := o.ctx()
	defer cancel()

	resp, err := o.election.Leader(ctx)
	if err != nil {
		if err == concurrency.ErrElectionNoLeader {
			return 0, nil
		}
		return 0, rerrors.New(rerrors.ConsensusUnavailable, "LeaderID", err)
	}
	if len(resp.Kvs) == 0 {
		return 0, nil
	}
	id, err := strconv.Atoi(string(resp.Kvs[0].Value))
	if err != nil {
		return 0, nil
	}
	return id, nil
}

// Term returns the current raft term reported by etcd's own status call.
func (o *Oracle) Term() (int64, error) {
	ctx, cancel := o.ctx()
	defer cancel()

	resp, err := o.client.Status(ctx, o.client.Endpoints()[0])
	if err != nil {
		return 0, rerrors.New(rerrors.ConsensusUnavailable, "Term", err)
	}
	return int64(resp.RaftTerm), nil
}

// IsLeader reports whether the local process currently holds the election.
func (o *Oracle) IsLeader(localNodeID int) (bool, error) {
	id, err := o.LeaderID()
	if err != nil {
		return false, err
	}
	return id == localNodeID, nil
}

// ClusterHealthy reports whether the etcd cluster itself (the consensus
// substrate) is reachable and reports a linearizable-read alarm-free
// status. This is distinct from the PostgreSQL cluster's health.
func (o *Oracle) ClusterHealthy() (bool, error) {
	ctx, cancel := o.ctx()
	defer cancel()

	resp, err := o.client.AlarmList(ctx)
	if err != nil {
		return false, rerrors.New(rerrors.ConsensusUnavailable, "ClusterHealthy", err)
	}
	return len(resp.Alarms) == 0, nil
}

// Nodes lists the etcd cluster's own members (the consensus transport
// membership, not the PostgreSQL node list).
func (o *Oracle) Nodes() ([]Member, error) {
	ctx, cancel := o.ctx()
	defer cancel()

	resp, err := o.client.MemberList(ctx)
	if err != nil {
		return nil, rerrors.New(rerrors.ConsensusUnavailable, "Nodes", err)
	}
	members := make([]Member, 0, len(resp.Members))
	for _, m := range resp.Members {
		members = append(members, Member{ID: int(m.ID)})
	}
	return members, nil
}

// AddNode propagates a membership addition by peer URL.
func (o *Oracle) AddNode(ctx context.Context, peerURL string) error {
	_, err := o.client.MemberAdd(ctx, []string{peerURL})
	if err != nil {
		return rerrors.New(rerrors.ConsensusUnavailable, "AddNode", err)
	}
	return nil
}

// RemoveNode propagates a membership removal by etcd member id.
func (o *Oracle) RemoveNode(ctx context.Context, memberID uint64) error {
	_, err := o.client.MemberRemove(ctx, memberID)
	if err != nil {
		return rerrors.New(rerrors.ConsensusUnavailable, "RemoveNode", err)
	}
	return nil
}

// AppendLog records a cluster event in etcd under a per-cluster log
// prefix. etcd has no generic WAL-append primitive, so a timestamped Put
// under a monotonically-keyed prefix is the natural mapping.
func (o *Oracle) AppendLog(ctx context.Context, entry string) error {
	key := "/ramd/" + o.clusterName + "/log/" + strconv.FormatInt(time.Now().UnixNano(), 10)
	_, err := o.client.Put(ctx, key, entry)
	if err != nil {
		return rerrors.New(rerrors.ConsensusUnavailable, "AppendLog", err)
	}
	return nil
}

// Campaign attempts to win the election as localNodeID, blocking until it
// either succeeds or ctx is cancelled. Used at daemon startup when no
// leader is currently held.
func (o *Oracle) Campaign(ctx context.Context, localNodeID int) error {
	if err := o.election.Campaign(ctx, strconv.Itoa(localNodeID)); err != nil {
		return rerrors.New(rerrors.ConsensusUnavailable, "Campaign", err)
	}
	return nil
}

// Resign gives up leadership, if held.
func (o *Oracle) Resign(ctx context.Context) error {
	if err := o.election.Resign(ctx); err != nil {
		return rerrors.New(rerrors.ConsensusUnavailable, "Resign", err)
	}
	return nil
}
