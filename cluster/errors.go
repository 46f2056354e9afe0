package cluster

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPlan   = errors.New("cluster: total shards and cluster count must both be positive")
	ErrSpawnTimeout  = errors.New("cluster: worker did not announce ready in time")
	ErrWorkerClosed  = errors.New("cluster: worker process closed")
	ErrNoWorker      = errors.New("cluster: no worker owns that shard")
	ErrManagerClosed = errors.New("cluster: manager is closed")
	ErrUnknownOp     = errors.New("cluster: unknown operation")
)

// ExitStatus records how a worker process ended.
type ExitStatus struct {
	Code   int
	Signal string
}

func (e ExitStatus) String() string {
	if e.Signal != "" {
		return fmt.Sprintf("signal %s", e.Signal)
	}
	return fmt.Sprintf("code %d", e.Code)
}

// closedError is the synthetic error resolved into every nonce still pending
// against an exited worker.
func closedError(clusterID int, exit ExitStatus) error {
	return fmt.Errorf("%w: cluster %d exited with %s", ErrWorkerClosed, clusterID, exit)
}
